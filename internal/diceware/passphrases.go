package diceware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const passphrasesPath = "/passphrases/"

// ErrInvalidPassphrase is returned before any request is made when a
// passphrase has an empty key or a word containing whitespace.
var ErrInvalidPassphrase = errors.New("diceware: invalid passphrase")

// Passphrase is one record in the remote collection. ID is zero until the
// server assigns one on create.
type Passphrase struct {
	ID    int64    `json:"id,omitempty" yaml:"id,omitempty"`
	Key   string   `json:"key" yaml:"key"`
	Words []string `json:"words,omitempty" yaml:"words,omitempty"`
}

// IsDraft reports whether p has not been persisted yet.
func (p Passphrase) IsDraft() bool {
	return p.ID == 0
}

// Phrase joins the words with single spaces.
func (p Passphrase) Phrase() string {
	return strings.Join(p.Words, " ")
}

// Clone returns a deep copy of p, so callers can hand records to observers
// without sharing the Words backing array.
func (p Passphrase) Clone() Passphrase {
	if p.Words != nil {
		p.Words = append([]string(nil), p.Words...)
	}

	return p
}

// CloneAll deep-copies a collection. A nil input yields an empty, non-nil
// slice so "signed out" and "no passphrases" render the same way.
func CloneAll(in []Passphrase) []Passphrase {
	out := make([]Passphrase, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}

	return out
}

// Normalize returns p with its key and words converted to NFC, so the
// same text typed on different platforms compares equal on the server.
func (p Passphrase) Normalize() Passphrase {
	p = p.Clone()
	p.Key = norm.NFC.String(strings.TrimSpace(p.Key))

	for i, w := range p.Words {
		p.Words[i] = norm.NFC.String(w)
	}

	return p
}

// Validate checks the client-side invariants: a non-empty key and words
// that are non-empty and contain no whitespace.
func (p Passphrase) Validate() error {
	if strings.TrimSpace(p.Key) == "" {
		return fmt.Errorf("%w: key must not be empty", ErrInvalidPassphrase)
	}

	for i, w := range p.Words {
		if w == "" {
			return fmt.Errorf("%w: word %d is empty", ErrInvalidPassphrase, i+1)
		}

		if strings.ContainsFunc(w, unicode.IsSpace) {
			return fmt.Errorf("%w: word %d (%q) contains whitespace", ErrInvalidPassphrase, i+1, w)
		}
	}

	return nil
}

// List returns every passphrase owned by the token's user.
func (c *Client) List(ctx context.Context, token string) ([]Passphrase, error) {
	resp, err := c.do(ctx, token, http.MethodGet, passphrasesPath, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out []Passphrase
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("diceware: decoding passphrase list: %w", err)
	}

	if out == nil {
		out = []Passphrase{}
	}

	return out, nil
}

// Get fetches one passphrase by its numeric ID.
func (c *Client) Get(ctx context.Context, token string, id int64) (*Passphrase, error) {
	return c.fetch(ctx, token, passphrasesPath+strconv.FormatInt(id, 10))
}

// GetByKey fetches one passphrase by its key.
func (c *Client) GetByKey(ctx context.Context, token, key string) (*Passphrase, error) {
	return c.fetch(ctx, token, passphrasesPath+url.PathEscape(key))
}

// Create stores a new passphrase. p.ID must be zero; the returned record
// carries the server-assigned ID (and server-generated words when p had
// none).
func (c *Client) Create(ctx context.Context, token string, p Passphrase) (*Passphrase, error) {
	if !p.IsDraft() {
		return nil, fmt.Errorf("%w: create requires id 0, got %d", ErrInvalidPassphrase, p.ID)
	}

	return c.send(ctx, token, http.MethodPost, passphrasesPath, p)
}

// Update replaces the passphrase with the given ID.
func (c *Client) Update(ctx context.Context, token string, id int64, p Passphrase) (*Passphrase, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: update requires a positive id, got %d", ErrInvalidPassphrase, id)
	}

	p.ID = id

	return c.send(ctx, token, http.MethodPut, passphrasesPath+strconv.FormatInt(id, 10), p)
}

// Delete removes the passphrase with the given ID.
func (c *Client) Delete(ctx context.Context, token string, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: delete requires a positive id, got %d", ErrInvalidPassphrase, id)
	}

	resp, err := c.do(ctx, token, http.MethodDelete, passphrasesPath+strconv.FormatInt(id, 10), nil)
	if err != nil {
		return err
	}

	resp.Body.Close()

	return nil
}

func (c *Client) send(ctx context.Context, token, method, path string, p Passphrase) (*Passphrase, error) {
	p = p.Normalize()
	if err := p.Validate(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("diceware: encoding passphrase: %w", err)
	}

	resp, err := c.do(ctx, token, method, path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out Passphrase
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("diceware: decoding passphrase: %w", err)
	}

	return &out, nil
}

func (c *Client) fetch(ctx context.Context, token, path string) (*Passphrase, error) {
	resp, err := c.do(ctx, token, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out Passphrase
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("diceware: decoding passphrase: %w", err)
	}

	return &out, nil
}
