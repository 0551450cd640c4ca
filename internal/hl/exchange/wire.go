package exchange

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

const (
	maxPriceSigFigs  = 5
	maxPerpDecimals  = 6
	wireDecimalLimit = 8
)

var ErrNonPositive = errors.New("value rounds to zero or below")

func LimitOrderWire(asset int, isBuy bool, size, limit float64, reduceOnly bool, tif Tif, cloid string) (OrderWire, error) {
	if tif == "" {
		return OrderWire{}, errors.New("tif is required")
	}
	price, err := floatToWire(limit)
	if err != nil {
		return OrderWire{}, fmt.Errorf("limit price: %w", err)
	}
	sizeWire, err := floatToWire(size)
	if err != nil {
		return OrderWire{}, fmt.Errorf("size: %w", err)
	}
	return OrderWire{
		Asset:      asset,
		IsBuy:      isBuy,
		Price:      price,
		Size:       sizeWire,
		ReduceOnly: reduceOnly,
		OrderType:  OrderTypeWire{Limit: &LimitOrderType{Tif: tif}},
		Cloid:      cloid,
	}, nil
}

// QuoteOrderWire builds a resting limit order with venue tick and lot
// rounding applied. Bids round down and asks round up so a rounded quote
// never lands closer to mid than requested.
func QuoteOrderWire(asset, szDecimals int, isBuy bool, size, price float64, tif Tif, cloid string) (OrderWire, error) {
	if tif == "" {
		return OrderWire{}, errors.New("tif is required")
	}
	px, err := PriceToWire(price, szDecimals, isBuy)
	if err != nil {
		return OrderWire{}, fmt.Errorf("limit price: %w", err)
	}
	sz, err := SizeToWire(size, szDecimals)
	if err != nil {
		return OrderWire{}, fmt.Errorf("size: %w", err)
	}
	return OrderWire{
		Asset:     asset,
		IsBuy:     isBuy,
		Price:     px,
		Size:      sz,
		OrderType: OrderTypeWire{Limit: &LimitOrderType{Tif: tif}},
		Cloid:     cloid,
	}, nil
}

// PriceToWire rounds a perp price to at most five significant figures and
// at most 6-szDecimals decimals. Integer prices are always accepted.
func PriceToWire(price float64, szDecimals int, roundDown bool) (string, error) {
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return "", fmt.Errorf("invalid price %v", price)
	}
	places := maxPerpDecimals - szDecimals
	if places < 0 {
		places = 0
	}
	d := decimal.NewFromFloat(price)
	magnitude := d.NumDigits() + int(d.Exponent()) - 1
	if sig := maxPriceSigFigs - 1 - magnitude; sig < places {
		places = sig
	}
	if places < 0 {
		places = 0
	}
	if roundDown {
		d = d.RoundFloor(int32(places))
	} else {
		d = d.RoundCeil(int32(places))
	}
	if !d.IsPositive() {
		return "", fmt.Errorf("price %v: %w", price, ErrNonPositive)
	}
	return d.String(), nil
}

// SizeToWire truncates a size to the asset's lot precision.
func SizeToWire(size float64, szDecimals int) (string, error) {
	if math.IsNaN(size) || math.IsInf(size, 0) || size <= 0 {
		return "", fmt.Errorf("invalid size %v", size)
	}
	if szDecimals < 0 {
		szDecimals = 0
	}
	d := decimal.NewFromFloat(size).RoundFloor(int32(szDecimals))
	if !d.IsPositive() {
		return "", fmt.Errorf("size %v: %w", size, ErrNonPositive)
	}
	return d.String(), nil
}

// LotSize is the smallest size increment for an asset.
func LotSize(szDecimals int) float64 {
	if szDecimals < 0 {
		szDecimals = 0
	}
	return decimal.New(1, -int32(szDecimals)).InexactFloat64()
}

func floatToWire(x float64) (string, error) {
	d := decimal.NewFromFloat(x)
	rounded := d.Round(wireDecimalLimit)
	if diff, _ := d.Sub(rounded).Abs().Float64(); diff >= 1e-12 {
		return "", fmt.Errorf("float_to_wire causes rounding: %f", x)
	}
	if rounded.IsZero() {
		return "0", nil
	}
	return rounded.String(), nil
}
