package couch

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/kroma-labs/couchrelay/example/changes/internal/config"
	"github.com/kroma-labs/couchrelay/httpclient"
)

// Animal is a sample document.
type Animal struct {
	ID        string  `json:"_id"`
	Rev       string  `json:"_rev,omitempty"`
	Class     string  `json:"class"`
	MinWeight float64 `json:"min_weight"`
}

// Change is one row of the changes feed.
type Change struct {
	Seq     json.RawMessage `json:"seq"`
	ID      string          `json:"id"`
	Deleted bool            `json:"deleted,omitempty"`
	Changes []struct {
		Rev string `json:"rev"`
	} `json:"changes"`
}

// StatusError reports an unexpected reply.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

// EnsureDatabase creates the database if it does not exist.
func (db *DB) EnsureDatabase(ctx context.Context) error {
	resp, body, err := db.Do(ctx, httpclient.RequestOptions{
		Method: http.MethodPut,
		URL:    "/" + url.PathEscape(db.name),
	})
	if err != nil {
		return err
	}
	switch resp.StatusCode {
	case http.StatusCreated, http.StatusAccepted, http.StatusPreconditionFailed:
		return nil
	default:
		return &StatusError{Op: "create database", StatusCode: resp.StatusCode, Body: string(body)}
	}
}

// PutAnimals writes sample documents through _bulk_docs. Conflicts from
// previous runs are ignored.
func (db *DB) PutAnimals(ctx context.Context) error {
	docs := []Animal{
		{ID: "aardvark", Class: "mammal", MinWeight: 40},
		{ID: "badger", Class: "mammal", MinWeight: 7},
		{ID: "kookaburra", Class: "bird", MinWeight: 0.3},
	}
	resp, body, err := db.Do(ctx, httpclient.RequestOptions{
		Method: http.MethodPost,
		URL:    "/" + url.PathEscape(db.name) + "/_bulk_docs",
		JSON:   map[string]any{"docs": docs},
	})
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusCreated {
		return &StatusError{Op: "bulk docs", StatusCode: resp.StatusCode, Body: string(body)}
	}
	return nil
}

// CountDocs returns the total_rows of _all_docs.
func (db *DB) CountDocs(ctx context.Context) (int, error) {
	resp, body, err := db.Do(ctx, httpclient.RequestOptions{
		URL:   "/" + url.PathEscape(db.name) + "/_all_docs",
		Query: url.Values{"limit": {"0"}},
	})
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, &StatusError{Op: "all docs", StatusCode: resp.StatusCode, Body: string(body)}
	}
	var out struct {
		TotalRows int `json:"total_rows"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("all docs: decode reply: %w", err)
	}
	return out.TotalRows, nil
}

// FollowChanges streams the continuous changes feed from since and calls fn
// for each change until ctx is done or the feed ends. It returns the last
// sequence seen, so a caller can resume.
func (db *DB) FollowChanges(
	ctx context.Context,
	since string,
	fn func(Change),
) (string, error) {
	status := make(chan int, 1)
	stream := db.Request(ctx, httpclient.RequestOptions{
		URL: "/" + url.PathEscape(db.name) + "/_changes",
		Query: url.Values{
			"feed":      {"continuous"},
			"since":     {since},
			"heartbeat": {strconv.Itoa(config.HeartbeatMillis)},
			"limit":     {strconv.Itoa(config.FeedLimit)},
		},
	}, nil)
	stream.On(httpclient.EventResponse, func(ev httpclient.Event) {
		status <- ev.Response.StatusCode
	})

	go func() {
		select {
		case <-ctx.Done():
			stream.Abort()
		case <-stream.Done():
		}
	}()

	last := since
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			// heartbeat
			continue
		}

		select {
		case code := <-status:
			if code != http.StatusOK {
				return last, &StatusError{Op: "changes", StatusCode: code, Body: string(line)}
			}
		default:
		}

		var change Change
		if err := json.Unmarshal(line, &change); err != nil {
			db.logger.Warn().Err(err).Bytes("line", line).Msg("skipping undecodable change")
			continue
		}
		if change.ID == "" {
			// The terminating {"last_seq": ...} row.
			continue
		}
		last = seqString(change.Seq)
		fn(change)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return last, err
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := stream.Wait(waitCtx); err != nil && ctx.Err() == nil {
		return last, err
	}
	return last, nil
}

// seqString renders a sequence for the since parameter. Sequences are
// opaque strings on clustered servers and integers on single nodes.
func seqString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
