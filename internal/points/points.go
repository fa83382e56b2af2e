// Package points computes the reward awarded for an accepted review.
package points

import (
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/review-anchor/internal/models"
)

const (
	// DescriptionThreshold is the rune count a description must exceed for the long-text weight.
	DescriptionThreshold = 200
)

// PriceThreshold separates the price_lt100 and price_gte100 weights.
var PriceThreshold = decimal.NewFromInt(100)

// Input holds the review attributes the score depends on.
type Input struct {
	Description   string
	Stars         int
	Price         decimal.Decimal
	EvidenceCount int
}

// Compute is strictly additive: each predicate contributes exactly one of its two weights.
func Compute(in Input, cfg models.PointsConfig) int {
	total := 0

	if in.EvidenceCount > 0 {
		total += cfg.ImageYes
	} else {
		total += cfg.ImageNo
	}

	if utf8.RuneCountInString(in.Description) > DescriptionThreshold {
		total += cfg.DescGT200
	} else {
		total += cfg.DescLTE200
	}

	if in.Stars > 0 {
		total += cfg.StarsYes
	} else {
		total += cfg.StarsNo
	}

	if in.Price.LessThan(PriceThreshold) {
		total += cfg.PriceLT100
	} else {
		total += cfg.PriceGTE100
	}

	return total
}
