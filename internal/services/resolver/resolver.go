package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/routeo/packwatch/internal/integrations/market"
	"github.com/routeo/packwatch/internal/models"
)

// Decode strategies, recorded in the scan log as resolved_from.
const (
	ResolvedFromJSON    = "qr_json"
	ResolvedFromURL     = "url"
	ResolvedFromNumeric = "numeric"
)

// ErrInvalidCode means no decode strategy produced a shipment id. No
// network calls were made; the driver has to rescan.
var ErrInvalidCode = errors.New("resolver: scanned code does not reference a shipment")

// NotFoundError reports that every candidate account was probed without
// finding the shipment.
type NotFoundError struct {
	Attempted int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("resolver: shipment not found in any of %d accounts", e.Attempted)
}

type Resolver struct {
	client market.API
}

func New(client market.API) *Resolver {
	return &Resolver{client: client}
}

// Decode turns an opaque scanned code into a shipment id, trying in
// order: embedded QR JSON, URL pattern, bare number.
func Decode(code string) (int64, string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return 0, "", ErrInvalidCode
	}

	if strings.HasPrefix(code, "{") {
		var m map[string]any
		if json.Unmarshal([]byte(code), &m) == nil {
			if id := numericField(m["id"]); id > 0 {
				return id, ResolvedFromJSON, nil
			}
		}
	}

	if strings.Contains(code, "/") || strings.Contains(code, "?") {
		if id := longestDigitRun(code); id > 0 {
			return id, ResolvedFromURL, nil
		}
	}

	if len(code) >= 6 && len(code) <= 20 && allDigits(code) {
		if id, err := strconv.ParseInt(code, 10, 64); err == nil && id > 0 {
			return id, ResolvedFromNumeric, nil
		}
	}

	return 0, "", ErrInvalidCode
}

// Resolve probes candidate accounts most-recently-connected first, one
// fetch each, and stops at the first hit. Not-found and per-account
// failures both move on to the next candidate; only exhaustion fails.
func (r *Resolver) Resolve(ctx context.Context, code string, candidates []*models.Account) (market.ShipmentPayload, *models.Account, string, error) {
	shipmentID, strategy, err := Decode(code)
	if err != nil {
		return market.ShipmentPayload{}, nil, "", err
	}

	ordered := make([]*models.Account, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ConnectedAt.After(ordered[j].ConnectedAt)
	})

	attempted := 0
	for _, acc := range ordered {
		attempted++
		payload, err := r.client.GetShipment(ctx, acc.OwnerID, acc.ID, shipmentID)
		if err == nil {
			return payload, acc, strategy, nil
		}
		if errors.Is(err, market.ErrNotFound) {
			continue
		}
		// Accounts fail independently (revoked tokens, rate limits);
		// one broken account must not block the rest.
		slog.Warn("resolver probe failed",
			"account_id", acc.ID, "shipment_id", shipmentID, "error", err.Error())
	}

	return market.ShipmentPayload{}, nil, strategy, &NotFoundError{Attempted: attempted}
}

func numericField(v any) int64 {
	switch x := v.(type) {
	case float64:
		return int64(x)
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	case json.Number:
		n, _ := x.Int64()
		return n
	default:
		return 0
	}
}

var digitRun = regexp.MustCompile(`\d{6,20}`)

// longestDigitRun picks the longest digit sequence in a URL-like string;
// on ties the later one wins (ids sit at the end of share links).
func longestDigitRun(s string) int64 {
	best := ""
	for _, run := range digitRun.FindAllString(s, -1) {
		if len(run) >= len(best) {
			best = run
		}
	}
	if best == "" {
		return 0
	}
	id, _ := strconv.ParseInt(best, 10, 64)
	return id
}

func allDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
