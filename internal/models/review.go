package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Establishment is the reviewed venue; read-only for the review pipeline.
type Establishment struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Review is immutable once inserted.
type Review struct {
	ID              string          `json:"id" db:"id"`
	UserID          string          `json:"userId" db:"user_id"`
	EstablishmentID string          `json:"establishmentId" db:"establishment_id"`
	Title           string          `json:"title" db:"title"`
	Description     string          `json:"description" db:"description"`
	Stars           int             `json:"stars" db:"stars"`
	Price           decimal.Decimal `json:"price" db:"price"`
	PurchaseURL     string          `json:"purchaseUrl" db:"purchase_url"`
	Tags            []string        `json:"tags" db:"tags"`
	PointsAwarded   int             `json:"pointsAwarded" db:"points_awarded"`
	ReviewHash      string          `json:"reviewHash" db:"review_hash"`
	CreatedAt       time.Time       `json:"createdAt" db:"created_at"`

	Evidence []EvidenceImage `json:"evidence,omitempty" db:"-"`
	Anchor   *Anchor         `json:"anchor,omitempty" db:"-"`
}

// EvidenceImage is one proof-of-purchase image URL attached to a review
type EvidenceImage struct {
	ID       int64  `json:"id" db:"id"`
	ReviewID string `json:"reviewId" db:"review_id"`
	URL      string `json:"url" db:"url"`
	Position int    `json:"position" db:"position"`
}

// Anchor links a review to the transaction that recorded its hash on-chain.
type Anchor struct {
	ReviewID       string    `json:"reviewId" db:"review_id"`
	TxHash         string    `json:"txHash" db:"tx_hash"`
	ChainID        int64     `json:"chainId" db:"chain_id"`
	BlockNumber    int64     `json:"blockNumber" db:"block_number"`
	BlockTimestamp time.Time `json:"blockTimestamp" db:"block_timestamp"`
}

// PointsConfig holds the reward weights; the most recent row wins.
type PointsConfig struct {
	ID          int64     `json:"id" db:"id"`
	ImageYes    int       `json:"image_yes" db:"image_yes"`
	ImageNo     int       `json:"image_no" db:"image_no"`
	DescGT200   int       `json:"desc_gt200" db:"desc_gt200"`
	DescLTE200  int       `json:"desc_lte200" db:"desc_lte200"`
	StarsYes    int       `json:"stars_yes" db:"stars_yes"`
	StarsNo     int       `json:"stars_no" db:"stars_no"`
	PriceLT100  int       `json:"price_lt100" db:"price_lt100"`
	PriceGTE100 int       `json:"price_gte100" db:"price_gte100"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
}

// IdempotencyRecord stores the formatted response returned for (user, key).
type IdempotencyRecord struct {
	UserID    string          `json:"userId" db:"user_id"`
	Key       string          `json:"key" db:"idempotency_key"`
	Response  json.RawMessage `json:"response" db:"response"`
	CreatedAt time.Time       `json:"createdAt" db:"created_at"`
}
