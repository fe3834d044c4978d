package schema

import "testing"

func testContext() Context {
	return Context{
		Version: 3,
		Entities: []Entity{
			{
				Name: "customers",
				Kind: KindTable,
				Fields: []Field{
					{Name: "id", Type: "integer", Role: RolePrimaryKey},
					{Name: "name", Type: "string"},
					{Name: "revenue", Type: "decimal", Nullable: true},
				},
			},
			{Name: "orders", Kind: KindTable},
		},
	}
}

func TestEntityLookupIsCaseInsensitive(t *testing.T) {
	sc := testContext()
	entity, ok := sc.Entity("Customers")
	if !ok {
		t.Fatal("Entity() did not find customers")
	}
	if entity.Name != "customers" {
		t.Fatalf("Name = %q", entity.Name)
	}
	if _, ok := sc.Entity("invoices"); ok {
		t.Fatal("Entity() found nonexistent entity")
	}
}

func TestFieldLookupIsCaseInsensitive(t *testing.T) {
	sc := testContext()
	entity, _ := sc.Entity("customers")
	field, ok := entity.Field("REVENUE")
	if !ok {
		t.Fatal("Field() did not find revenue")
	}
	if field.Type != "decimal" {
		t.Fatalf("Type = %q", field.Type)
	}
	if !field.Nullable {
		t.Fatal("Nullable = false, want true")
	}
}

func TestNamesPreserveOrder(t *testing.T) {
	sc := testContext()
	names := sc.EntityNames()
	if len(names) != 2 || names[0] != "customers" || names[1] != "orders" {
		t.Fatalf("EntityNames() = %v", names)
	}
	entity, _ := sc.Entity("customers")
	fields := entity.FieldNames()
	if len(fields) != 3 || fields[0] != "id" || fields[2] != "revenue" {
		t.Fatalf("FieldNames() = %v", fields)
	}
}
