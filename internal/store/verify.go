package store

import (
	"bytes"
	"fmt"
)

// VerifyChainIntegrity checks that c's certificates match its stored hash.
func VerifyChainIntegrity(c *Chain) error {
	computed := HashChain(c.Certificates)
	if !bytes.Equal(computed[:], c.Hash[:]) {
		return fmt.Errorf("chain hash mismatch for chain %d: computed %x, expected %x", c.ID, computed, c.Hash)
	}
	return nil
}

// VerifyAll checks every stored chain and returns the IDs that fail.
func (s *Store) VerifyAll() ([]int64, error) {
	rows, err := s.db.Query(`SELECT id FROM chains ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query all chains: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan chain id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chains: %w", err)
	}

	var corrupted []int64
	for _, id := range ids {
		c, err := s.GetChain(id)
		if err != nil {
			return nil, fmt.Errorf("get chain %d: %w", id, err)
		}
		if c == nil || VerifyChainIntegrity(c) != nil {
			corrupted = append(corrupted, id)
		}
	}
	return corrupted, nil
}
