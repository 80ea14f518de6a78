// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/tomtom215/ledgerlink/internal/models"
)

// ExternalRef is the dedup key of a transaction within its account: the
// provider's id when it has one, otherwise a SHA-256 over the fields that
// identify a booking.
func ExternalRef(tx models.ProviderTransaction) string {
	if id := strings.TrimSpace(tx.ID); id != "" {
		return id
	}
	canonical := strings.Join([]string{
		strconv.FormatInt(tx.Amount, 10),
		strings.ToUpper(tx.Currency),
		tx.BookedAt.UTC().Format(time.RFC3339Nano),
		strings.TrimSpace(tx.Description),
	}, "|")
	sum := sha256.Sum256([]byte(canonical))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// uniqueRecords converts txs to records, dropping repeats within the batch.
func uniqueRecords(account *models.LinkedAccount, txs []models.ProviderTransaction, now time.Time) []models.ImportedRecord {
	seen := make(map[string]struct{}, len(txs))
	out := make([]models.ImportedRecord, 0, len(txs))
	for _, tx := range txs {
		ref := ExternalRef(tx)
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, models.ImportedRecord{
			AccountID:   account.ID,
			TenantID:    account.TenantID,
			ExternalRef: ref,
			Amount:      tx.Amount,
			Currency:    tx.Currency,
			Description: tx.Description,
			BookedAt:    tx.BookedAt.UTC(),
			Raw:         tx.Raw,
			ImportedAt:  now,
		})
	}
	return out
}
