package model

// InventoryLine tracks stock for a single sku. Available and Reserved
// never go negative; a reservation moves quantity from one to the other
// atomically.
type InventoryLine struct {
	SKU       string `gorm:"primaryKey;size:64"`
	Available int64  `gorm:"not null;default:0"`
	Reserved  int64  `gorm:"not null;default:0"`
}

func (InventoryLine) TableName() string { return "inventory_line" }
