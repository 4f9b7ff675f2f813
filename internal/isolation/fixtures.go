package isolation

import "github.com/jacksonlee411/coopguard/internal/scoped"

// Fixture is the probe row inserted per tenant into one table. Column is a
// text column the harness overwrites to detect cross-tenant updates.
type Fixture struct {
	Payload scoped.Payload
	Column  string
}

// DefaultFixtures covers every writable table of the bundled matrix.
func DefaultFixtures() map[string]Fixture {
	return map[string]Fixture{
		"members":        {Payload: scoped.Payload{"first_name": "Probe", "last_name": "Isolation"}, Column: "last_name"},
		"apartments":     {Payload: scoped.Payload{"apartment_number": "0000", "rooms": 1}, Column: "apartment_number"},
		"invoices":       {Payload: scoped.Payload{"supplier_name": "Probe AB", "amount": 1}, Column: "supplier_name"},
		"monthly_fees":   {Payload: scoped.Payload{"period": "2000-01", "amount": 1}, Column: "period"},
		"cases":          {Payload: scoped.Payload{"title": "probe"}, Column: "title"},
		"documents":      {Payload: scoped.Payload{"title": "probe", "category": "isolation"}, Column: "title"},
		"board_meetings": {Payload: scoped.Payload{"title": "probe"}, Column: "title"},
		"bookings":       {Payload: scoped.Payload{"resource": "probe"}, Column: "resource"},
	}
}
