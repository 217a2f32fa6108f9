package domain

import "time"

// Product — складское представление товара каталога.
type Product struct {
	ID         string
	Name       string
	PriceMinor int64
	Stock      int64
	UpdatedAt  time.Time
}

// StockLine — требуемое количество по одному товару.
type StockLine struct {
	ProductID string
	Quantity  int64
}
