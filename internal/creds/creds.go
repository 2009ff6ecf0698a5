// Package creds persists the protocol credentials a connection needs to
// re-authenticate on any pod without a new login challenge.
package creds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/messaging-fleet/internal/store"
)

const (
	DefaultCredentialTTL = 30 * 24 * time.Hour
	DefaultKeyTTL        = 30 * 24 * time.Hour
	DefaultChallengeTTL  = 2 * time.Minute
)

// BlobCategory holds the top-level keys of a Blob as individual entries.
const BlobCategory = "blob"

// Blob is the credential set handed to and received from the protocol
// client. Save stores each of Keys as its own entry with its own TTL and
// Load puts back the ones that have not expired. Other key entries
// (pre-keys, sessions, sender keys...) go through SetKeyEntries.
type Blob struct {
	Identity  string                 `json:"identity,omitempty"`
	Keys      map[string]KeyMaterial `json:"keys,omitempty"`
	KeyIDs    []string               `json:"keyIds,omitempty"`
	Meta      map[string]string      `json:"meta,omitempty"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

type Options struct {
	CredentialTTL time.Duration
	KeyTTL        time.Duration
	ChallengeTTL  time.Duration
}

type Store struct {
	st           *store.Client
	credTTL      time.Duration
	keyTTL       time.Duration
	challengeTTL time.Duration
}

func NewStore(st *store.Client, opt Options) *Store {
	s := &Store{
		st:           st,
		credTTL:      opt.CredentialTTL,
		keyTTL:       opt.KeyTTL,
		challengeTTL: opt.ChallengeTTL,
	}
	if s.credTTL <= 0 {
		s.credTTL = DefaultCredentialTTL
	}
	if s.keyTTL <= 0 {
		s.keyTTL = DefaultKeyTTL
	}
	if s.challengeTTL <= 0 {
		s.challengeTTL = DefaultChallengeTTL
	}
	return s
}

func (s *Store) blobKey(userID string) string { return s.st.Key("creds", userID, "blob") }

func (s *Store) entryKey(userID, category, id string) string {
	return s.st.Key("creds", userID, "key", category, id)
}

func (s *Store) challengeKey(userID string) string { return s.st.Key("qr", userID) }

// Load returns the stored blob, or nil when the user has no credentials yet.
func (s *Store) Load(ctx context.Context, userID string) (*Blob, error) {
	var b Blob
	ok, err := s.st.GetJSON(ctx, s.blobKey(userID), &b)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if len(b.KeyIDs) > 0 {
		entries, err := s.GetKeyEntries(ctx, userID, BlobCategory, b.KeyIDs)
		if err != nil {
			return nil, err
		}
		if b.Keys == nil {
			b.Keys = make(map[string]KeyMaterial, len(entries))
		}
		for id, v := range entries {
			b.Keys[id] = v
		}
		b.KeyIDs = nil
	}
	return &b, nil
}

// Save upserts the blob and refreshes its TTL. Keys are written as entries
// of BlobCategory; entries the previous blob had and this one lacks are
// removed.
func (s *Store) Save(ctx context.Context, userID string, b *Blob) error {
	if b == nil {
		return errors.New("creds: nil blob")
	}
	var prev Blob
	if _, err := s.st.GetJSON(ctx, s.blobKey(userID), &prev); err != nil {
		return err
	}

	entries := make(map[string][]byte, len(b.Keys)+len(prev.KeyIDs))
	for _, id := range prev.KeyIDs {
		entries[id] = nil
	}
	cp := *b
	cp.Keys = nil
	cp.KeyIDs = make([]string, 0, len(b.Keys))
	for id, v := range b.Keys {
		if v == nil {
			continue
		}
		entries[id] = v
		cp.KeyIDs = append(cp.KeyIDs, id)
	}
	sort.Strings(cp.KeyIDs)
	cp.UpdatedAt = time.Now().UTC()

	raw, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	_, err = s.st.Redis().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := s.writeEntries(ctx, pipe, userID, BlobCategory, entries); err != nil {
			return err
		}
		pipe.Set(ctx, s.blobKey(userID), raw, s.credTTL)
		return nil
	})
	return err
}

// SetKeyEntries upserts or deletes entries of one category. A nil value
// removes the entry. The parent blob TTL is refreshed too, so a connection
// that rarely saves its top-level credentials does not expire mid-session.
func (s *Store) SetKeyEntries(ctx context.Context, userID, category string, entries map[string][]byte) error {
	_, err := s.st.Redis().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := s.writeEntries(ctx, pipe, userID, category, entries); err != nil {
			return err
		}
		pipe.Expire(ctx, s.blobKey(userID), s.credTTL)
		return nil
	})
	return err
}

func (s *Store) writeEntries(ctx context.Context, pipe redis.Pipeliner, userID, category string, entries map[string][]byte) error {
	for id, v := range entries {
		key := s.entryKey(userID, category, id)
		if v == nil {
			pipe.Del(ctx, key)
			continue
		}
		raw, err := json.Marshal(KeyMaterial(v))
		if err != nil {
			return err
		}
		pipe.Set(ctx, key, raw, s.keyTTL)
	}
	return nil
}

// GetKeyEntries fetches ids in one round trip. Missing entries are absent
// from the result.
func (s *Store) GetKeyEntries(ctx context.Context, userID, category string, ids []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.entryKey(userID, category, id)
	}

	vals, err := s.st.Redis().MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var km KeyMaterial
		if err := json.Unmarshal([]byte(raw), &km); err != nil {
			return nil, fmt.Errorf("creds: entry %s/%s: %w", category, ids[i], err)
		}
		out[ids[i]] = km
	}
	return out, nil
}

// Clear removes every credential key of the user.
func (s *Store) Clear(ctx context.Context, userID string) error {
	_, err := s.st.DeleteMatching(ctx, s.st.Key("creds", userID, "*"))
	return err
}

func (s *Store) SetLoginChallenge(ctx context.Context, userID, artifact string) error {
	return s.st.Redis().Set(ctx, s.challengeKey(userID), artifact, s.challengeTTL).Err()
}

func (s *Store) GetLoginChallenge(ctx context.Context, userID string) (string, bool, error) {
	v, err := s.st.Redis().Get(ctx, s.challengeKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) ClearLoginChallenge(ctx context.Context, userID string) error {
	return s.st.Redis().Del(ctx, s.challengeKey(userID)).Err()
}
