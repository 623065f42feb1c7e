package models

const (
	TableRides  = "rides"
	TableOffers = "ride_offers"
	TableUsers  = "users"
)

type ChangeOp string

const (
	OpInsert ChangeOp = "INSERT"
	OpUpdate ChangeOp = "UPDATE"
	OpDelete ChangeOp = "DELETE"
)

// Change is one row event on the realtime feed. Exactly one of Ride, Offer, User is set,
// matching Table.
type Change struct {
	Table  string   `json:"table"`
	Op     ChangeOp `json:"op"`
	Ride   *Ride    `json:"ride,omitempty"`
	Offer  *Offer   `json:"offer,omitempty"`
	User   *User    `json:"user,omitempty"`
	Origin string   `json:"origin,omitempty"`
}

// Field returns the string value of a filterable column of the changed row.
func (c Change) Field(name string) string {
	switch {
	case c.Ride != nil:
		switch name {
		case "id":
			return c.Ride.ID
		case "customer_id":
			return c.Ride.CustomerID
		case "driver_id":
			return c.Ride.DriverID
		case "status":
			return string(c.Ride.Status)
		}
	case c.Offer != nil:
		switch name {
		case "id":
			return c.Offer.ID
		case "ride_id":
			return c.Offer.RideID
		case "driver_id":
			return c.Offer.DriverID
		case "status":
			return string(c.Offer.Status)
		}
	case c.User != nil:
		switch name {
		case "id":
			return c.User.ID
		case "role":
			return string(c.User.Role)
		}
	}
	return ""
}
