package models

import "time"

// OrderAck is the venue acknowledgement for a placement or cancellation.
type OrderAck struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          OrderType
	Status        string
	Price         float64
	Quantity      float64
	FilledQty     float64
	Timestamp     time.Time
}
