package domain

import "context"

type Preferences struct {
	Enabled bool `json:"enabled"`
}

// PreferenceStore answers whether a user wants a given notification category.
// A missing preference row means enabled.
type PreferenceStore interface {
	GetPreferences(ctx context.Context, userID, category string) (Preferences, error)
}

type Contact struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

type Shipment struct {
	ID               string   `json:"id"`
	Reference        string   `json:"reference"`
	Status           string   `json:"status"`
	MissingDocuments []string `json:"missing_documents"`
}

// ShipmentSource supplies reminder candidates: shipments whose status still
// requires action and whose document checklist is incomplete.
type ShipmentSource interface {
	PendingShipments(ctx context.Context) ([]Shipment, error)
	ShipmentContacts(ctx context.Context, shipmentID string) ([]Contact, error)
}
