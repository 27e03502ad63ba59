package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedToken marks a queue entry that could not be decoded.
var ErrMalformedToken = errors.New("malformed dispatch token")

// Token announces a pending stage row.
type Token struct {
	StageID int64 `json:"stage_id"`
	RunID   int64 `json:"run_id"`
}

// Queue is a FIFO of tokens shared by workers.
type Queue interface {
	Push(ctx context.Context, token Token) error
	// Pop waits up to timeout for a token. ok is false when none arrived.
	// A malformed entry is consumed and reported as ErrMalformedToken.
	Pop(ctx context.Context, timeout time.Duration) (token Token, ok bool, err error)
	Len(ctx context.Context) (int64, error)
	Close() error
}

// Encode renders the token as its wire JSON.
func (t Token) Encode() ([]byte, error) {
	return json.Marshal(t)
}

// DecodeToken parses a wire token and rejects non-positive ids.
func DecodeToken(data []byte) (Token, error) {
	var token Token
	if err := json.Unmarshal(data, &token); err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if token.StageID <= 0 || token.RunID <= 0 {
		return Token{}, fmt.Errorf("%w: %s", ErrMalformedToken, string(data))
	}
	return token, nil
}
