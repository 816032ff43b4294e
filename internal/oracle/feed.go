package oracle

import (
	"errors"
	"math/big"
	"time"
)

// PriceFeed is the primary price source for an asset: a USD price in
// 18-decimal fixed point plus the time the reading was produced.
type PriceFeed interface {
	Latest() (price *big.Int, updatedAt time.Time, err error)
}

// SecondaryFeed is an optional TWAP-style cross-check. It returns a single
// normalized USD price; it never decides the resolved price, it only
// perturbs confidence and risk scoring.
type SecondaryFeed interface {
	Price() (*big.Int, error)
}

// Source identifies which input produced a resolved price.
type Source string

const (
	SourcePrimary       Source = "primary"
	SourceConsensus     Source = "consensus"
	SourceLastKnownGood Source = "last_known_good"
	SourceUnavailable   Source = "unavailable"
)

var (
	// ErrStaleSource rejects a checkpoint while the primary feed is not fresh.
	ErrStaleSource = errors.New("oracle: primary source not fresh")
	// ErrUnknownAsset rejects operations on an asset with no registered feed.
	ErrUnknownAsset = errors.New("oracle: no feed registered for asset")
)
