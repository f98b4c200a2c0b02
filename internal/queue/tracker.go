package queue

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/rrelayer/rrelayer-go/internal/apptypes"
)

// Resolution is the outcome of checking which of a competitive pair's two
// hashes actually mined (spec §4.4).
type Resolution int

const (
	NoCompetition Resolution = iota
	OriginalWon
	CompetitorWon
)

// checkMinedHash implements C9's check_mined_hash: given the hash that
// was found mined, decide which side of the pair it belongs to.
func checkMinedHash(c *apptypes.CompetitiveTransaction, minedHash common.Hash) Resolution {
	if c.Competitor == nil {
		return NoCompetition
	}
	switch minedHash {
	case c.Original.KnownTxHash:
		return OriginalWon
	case c.Competitor.KnownTxHash:
		return CompetitorWon
	default:
		return NoCompetition
	}
}

// activeTransaction returns whichever side should receive the next gas
// bump: the competitor if present, else the original (spec §4.4).
func activeTransaction(c *apptypes.CompetitiveTransaction) *apptypes.Transaction {
	if c.Competitor != nil {
		return c.Competitor
	}
	return c.Original
}

// transactionByID selects either side of the pair by id, or nil if
// neither matches.
func transactionByID(c *apptypes.CompetitiveTransaction, id uuid.UUID) *apptypes.Transaction {
	if c.Original != nil && c.Original.ID == id {
		return c.Original
	}
	if c.Competitor != nil && c.Competitor.ID == id {
		return c.Competitor
	}
	return nil
}
