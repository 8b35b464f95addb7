package middleware

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
	"lukechampine.com/blake3"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	maxIdempotentBody    = 1 << 20
)

var bucketResponses = []byte("responses")

// CachedResponse is a stored reply to an idempotent request.
type CachedResponse struct {
	// Pending marks a key claimed by a request that has not answered yet.
	Pending     bool      `json:"pending,omitempty"`
	StatusCode  int       `json:"statusCode"`
	ContentType string    `json:"contentType,omitempty"`
	Body        []byte    `json:"body"`
	BodyDigest  string    `json:"bodyDigest"`
	StoredAt    time.Time `json:"storedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// IdempotencyStore persists responses keyed by Idempotency-Key in BoltDB so a
// retried write replays its first answer instead of invoking twice.
type IdempotencyStore struct {
	db     *bolt.DB
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func OpenIdempotencyStore(path string, ttl time.Duration, logger *slog.Logger) (*IdempotencyStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketResponses)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &IdempotencyStore{db: db, ttl: ttl, logger: logger, now: time.Now}, nil
}

func (s *IdempotencyStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the live record for key. Expired records are removed.
func (s *IdempotencyStore) Get(key string) (CachedResponse, bool, error) {
	var record CachedResponse
	found := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketResponses)
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &record); err != nil {
			return err
		}
		if s.now().After(record.ExpiresAt) {
			record = CachedResponse{}
			return bucket.Delete([]byte(key))
		}
		found = true
		return nil
	})
	if err != nil {
		return CachedResponse{}, false, err
	}
	return record, found, nil
}

// Reserve claims key for a request whose body hashes to bodyDigest. The check
// and the claim happen in one transaction, so of two concurrent requests with
// the same key only one gets claimed == true. When the key is already held the
// live record, pending or answered, is returned instead.
func (s *IdempotencyStore) Reserve(key, bodyDigest string) (record CachedResponse, claimed bool, err error) {
	now := s.now()
	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketResponses)
		if raw := bucket.Get([]byte(key)); raw != nil {
			var existing CachedResponse
			if err := json.Unmarshal(raw, &existing); err == nil && !now.After(existing.ExpiresAt) {
				record = existing
				return nil
			}
		}
		payload, err := json.Marshal(CachedResponse{
			Pending:    true,
			BodyDigest: bodyDigest,
			StoredAt:   now,
			ExpiresAt:  now.Add(s.ttl),
		})
		if err != nil {
			return err
		}
		claimed = true
		return bucket.Put([]byte(key), payload)
	})
	if err != nil {
		return CachedResponse{}, false, err
	}
	return record, claimed, nil
}

// Release drops a pending claim so the request can be retried.
func (s *IdempotencyStore) Release(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketResponses)
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}
		var record CachedResponse
		if err := json.Unmarshal(raw, &record); err == nil && !record.Pending {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
}

func (s *IdempotencyStore) Put(key string, record CachedResponse) error {
	now := s.now()
	record.StoredAt = now
	record.ExpiresAt = now.Add(s.ttl)
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResponses).Put([]byte(key), payload)
	})
}

// Prune deletes every expired record and reports how many were removed.
func (s *IdempotencyStore) Prune() (int, error) {
	removed := 0
	now := s.now()
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketResponses)
		var stale [][]byte
		if err := bucket.ForEach(func(k, v []byte) error {
			var record CachedResponse
			if err := json.Unmarshal(v, &record); err != nil || now.After(record.ExpiresAt) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}

// Middleware replays stored responses for POST requests carrying an
// Idempotency-Key. The key is claimed before the handler runs; a second request
// arriving while the first is in flight gets 409. A reused key with a
// different body is rejected. Only responses below 500 are stored.
func (s *IdempotencyStore) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idemKey := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
		if s == nil || r.Method != http.MethodPost || idemKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		if len(body) > maxIdempotentBody {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		digest := blake3.Sum256(body)
		bodyDigest := hex.EncodeToString(digest[:])
		key := s.scopedKey(r, idemKey)

		record, claimed, err := s.Reserve(key, bodyDigest)
		if err != nil {
			s.logger.Error("idempotency reserve failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "idempotency store unavailable")
			return
		}
		if !claimed {
			if record.BodyDigest != bodyDigest {
				writeError(w, http.StatusUnprocessableEntity, "idempotency key reused with a different request")
				return
			}
			if record.Pending {
				writeError(w, http.StatusConflict, "request with this idempotency key is in progress")
				return
			}
			if record.ContentType != "" {
				w.Header().Set("Content-Type", record.ContentType)
			}
			w.Header().Set("X-Idempotency-Cache", "hit")
			w.WriteHeader(record.StatusCode)
			_, _ = w.Write(record.Body)
			return
		}

		stored := false
		defer func() {
			if stored {
				return
			}
			if err := s.Release(key); err != nil {
				s.logger.Error("idempotency release failed", "error", err)
			}
		}()

		capture := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(capture, r)
		if capture.status >= http.StatusInternalServerError {
			return
		}
		if err := s.Put(key, CachedResponse{
			StatusCode:  capture.status,
			ContentType: w.Header().Get("Content-Type"),
			Body:        capture.buf.Bytes(),
			BodyDigest:  bodyDigest,
		}); err != nil {
			s.logger.Error("idempotency store failed", "error", err)
			return
		}
		stored = true
	})
}

func (s *IdempotencyStore) scopedKey(r *http.Request, idemKey string) string {
	owner := clientID(r)
	if account, ok := Account(r.Context()); ok {
		owner = account.String()
	}
	return owner + "|" + r.URL.Path + "|" + idemKey
}

type captureWriter struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (c *captureWriter) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	c.buf.Write(b)
	return c.ResponseWriter.Write(b)
}
