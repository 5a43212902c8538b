package chain

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/mselser95/pool-settler/pkg/types"
)

// PoolState is the program's pool account body.
type PoolState struct {
	ID                uint64
	Admin             types.Handle
	StartTime         time.Time
	EndTime           time.Time
	Target            *uint64
	Resolved          bool
	WeightFinalized   bool
	TotalParticipants uint64
	TotalWeight       uint64
}

// BetState is the program's bet account body.
type BetState struct {
	Bettor         types.Handle
	PoolID         uint64
	Deposit        uint64
	Weight         uint64
	WeightComputed bool
	Claimed        bool
}

// FeedState is an oracle price feed account body.
type FeedState struct {
	Value       uint64
	PublishedAt time.Time
}

type accountInfo struct {
	Context struct {
		Slot flexUint64 `json:"slot"`
	} `json:"context"`
	Value *struct {
		Owner    string          `json:"owner"`
		Lamports flexUint64      `json:"lamports"`
		Data     json.RawMessage `json:"data"`
	} `json:"value"`
}

// decodeAccountInfo is the single decode point for getAccountInfo results.
func decodeAccountInfo(handle types.Handle, raw []byte) (*Snapshot, error) {
	var info accountInfo
	err := json.Unmarshal(raw, &info)
	if err != nil {
		return nil, fmt.Errorf("decode account %s: %w", handle, err)
	}

	if info.Value == nil {
		return nil, ErrNotFound
	}

	owner, err := types.ParseHandle(info.Value.Owner)
	if err != nil {
		return nil, fmt.Errorf("decode account %s owner: %w", handle, err)
	}

	data, err := parsedBody(info.Value.Data)
	if err != nil {
		return nil, fmt.Errorf("decode account %s data: %w", handle, err)
	}

	return &Snapshot{
		Handle:   handle,
		Owner:    owner,
		Lamports: uint64(info.Value.Lamports),
		Slot:     uint64(info.Context.Slot),
		Data:     data,
	}, nil
}

// parsedBody unwraps {"parsed": {...}} when present. Accounts the node cannot
// parse arrive as a base64 array and yield no body.
func parsedBody(data json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, nil
	}

	var wrapper struct {
		Parsed json.RawMessage `json:"parsed"`
	}
	err := json.Unmarshal(trimmed, &wrapper)
	if err != nil {
		return nil, err
	}
	if len(wrapper.Parsed) > 0 {
		return wrapper.Parsed, nil
	}
	return trimmed, nil
}

func decodeConfirmation(raw []byte) (string, error) {
	trimmed := bytes.TrimSpace(raw)

	// Some nodes return the bare signature string.
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", fmt.Errorf("decode confirmation: %w", err)
		}
		if s == "" {
			return "", errors.New("empty confirmation")
		}
		return s, nil
	}

	var result struct {
		Confirmation string `json:"confirmation"`
		Signature    string `json:"signature"`
	}
	err := json.Unmarshal(trimmed, &result)
	if err != nil {
		return "", fmt.Errorf("decode confirmation: %w", err)
	}

	switch {
	case result.Confirmation != "":
		return result.Confirmation, nil
	case result.Signature != "":
		return result.Signature, nil
	default:
		return "", errors.New("empty confirmation")
	}
}

// DecodePool reads a pool account body.
func DecodePool(s *Snapshot) (*PoolState, error) {
	f, err := bodyFields(s)
	if err != nil {
		return nil, err
	}

	var p PoolState
	if p.ID, err = f.uint64("id", "poolId", "pool_id"); err != nil {
		return nil, err
	}
	if p.Admin, err = f.handle("admin", "authority"); err != nil {
		return nil, err
	}
	if p.StartTime, err = f.unixTime("startTime", "start_time"); err != nil {
		return nil, err
	}
	if p.EndTime, err = f.unixTime("endTime", "end_time"); err != nil {
		return nil, err
	}
	if p.Target, err = f.optUint64("target", "outcome"); err != nil {
		return nil, err
	}
	if p.Resolved, err = f.bool("resolved", "isResolved", "is_resolved"); err != nil {
		return nil, err
	}
	if p.WeightFinalized, err = f.bool("weightFinalized", "weight_finalized"); err != nil {
		return nil, err
	}
	if p.TotalParticipants, err = f.uint64("totalParticipants", "total_participants"); err != nil {
		return nil, err
	}
	if p.TotalWeight, err = f.uint64("totalWeight", "total_weight"); err != nil {
		return nil, err
	}

	return &p, nil
}

// DecodeBet reads a bet account body.
func DecodeBet(s *Snapshot) (*BetState, error) {
	f, err := bodyFields(s)
	if err != nil {
		return nil, err
	}

	var b BetState
	if b.Bettor, err = f.handle("bettor", "user", "owner"); err != nil {
		return nil, err
	}
	if b.PoolID, err = f.uint64("poolId", "pool_id"); err != nil {
		return nil, err
	}
	if b.Deposit, err = f.uint64("deposit", "amount"); err != nil {
		return nil, err
	}
	weight, err := f.optUint64("weight", "calculatedWeight", "calculated_weight")
	if err != nil {
		return nil, err
	}
	if weight != nil {
		b.Weight = *weight
	}
	if b.WeightComputed, err = f.bool("weightComputed", "weight_computed", "isWeightAdded", "is_weight_added"); err != nil {
		return nil, err
	}
	if b.Claimed, err = f.bool("claimed", "isClaimed", "is_claimed"); err != nil {
		return nil, err
	}

	return &b, nil
}

// DecodeProtocol reads the protocol singleton body.
func DecodeProtocol(s *Snapshot) (*types.Protocol, error) {
	f, err := bodyFields(s)
	if err != nil {
		return nil, err
	}

	var p types.Protocol
	fee, err := f.uint64("feeBps", "fee_bps", "protocolFeeBps")
	if err != nil {
		return nil, err
	}
	if fee > types.MaxFeeBps {
		return nil, fmt.Errorf("fee %d bps exceeds %d", fee, types.MaxFeeBps)
	}
	p.FeeBps = uint16(fee)
	if p.Paused, err = f.bool("paused", "isPaused", "is_paused"); err != nil {
		return nil, err
	}
	if p.Treasury, err = f.handle("treasury"); err != nil {
		return nil, err
	}
	if p.PoolCount, err = f.uint64("poolCount", "pool_count", "totalPools"); err != nil {
		return nil, err
	}

	return &p, nil
}

// DecodeFeed reads an oracle feed body.
func DecodeFeed(s *Snapshot) (*FeedState, error) {
	f, err := bodyFields(s)
	if err != nil {
		return nil, err
	}

	var feed FeedState
	value, err := f.optUint64("value", "price", "answer")
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, errors.New("feed has no value")
	}
	feed.Value = *value
	if feed.PublishedAt, err = f.unixTime("publishedAt", "published_at", "timestamp"); err != nil {
		return nil, err
	}

	return &feed, nil
}

// fields is a parsed body keyed by field name. Lookups take the canonical
// camelCase name first followed by accepted aliases.
type fields map[string]json.RawMessage

func bodyFields(s *Snapshot) (fields, error) {
	if s == nil || len(s.Data) == 0 {
		return nil, errors.New("account has no parsed data")
	}

	var f fields
	err := json.Unmarshal(s.Data, &f)
	if err != nil {
		return nil, fmt.Errorf("decode %s body: %w", s.Handle, err)
	}
	return f, nil
}

func (f fields) lookup(keys ...string) (json.RawMessage, bool) {
	for _, key := range keys {
		raw, ok := f[key]
		if ok && !isNull(raw) {
			return raw, true
		}
	}
	return nil, false
}

func (f fields) uint64(keys ...string) (uint64, error) {
	v, err := f.optUint64(keys...)
	if err != nil || v == nil {
		return 0, err
	}
	return *v, nil
}

func (f fields) optUint64(keys ...string) (*uint64, error) {
	raw, ok := f.lookup(keys...)
	if !ok {
		return nil, nil
	}
	var v flexUint64
	err := v.UnmarshalJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", keys[0], err)
	}
	out := uint64(v)
	return &out, nil
}

func (f fields) bool(keys ...string) (bool, error) {
	raw, ok := f.lookup(keys...)
	if !ok {
		return false, nil
	}
	s := string(unquote(raw))
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("field %s: %w", keys[0], err)
	}
	return b, nil
}

func (f fields) handle(keys ...string) (types.Handle, error) {
	raw, ok := f.lookup(keys...)
	if !ok {
		return types.Handle{}, nil
	}
	h, err := types.ParseHandle(string(unquote(raw)))
	if err != nil {
		return types.Handle{}, fmt.Errorf("field %s: %w", keys[0], err)
	}
	return h, nil
}

func (f fields) unixTime(keys ...string) (time.Time, error) {
	secs, err := f.optUint64(keys...)
	if err != nil || secs == nil {
		return time.Time{}, err
	}
	return time.Unix(int64(*secs), 0).UTC(), nil
}

// flexUint64 accepts a JSON number or a decimal string. Large counters are
// commonly serialized as strings to survive float64 parsers.
type flexUint64 uint64

func (v *flexUint64) UnmarshalJSON(b []byte) error {
	if isNull(b) {
		*v = 0
		return nil
	}
	n, err := strconv.ParseUint(string(unquote(b)), 10, 64)
	if err != nil {
		return fmt.Errorf("not an unsigned integer: %s", b)
	}
	*v = flexUint64(n)
	return nil
}

func isNull(b []byte) bool {
	return bytes.Equal(bytes.TrimSpace(b), []byte("null"))
}

func unquote(b []byte) []byte {
	b = bytes.TrimSpace(b)
	if len(b) >= 2 && b[0] == '"' && b[len(b)-1] == '"' {
		return b[1 : len(b)-1]
	}
	return b
}
