package daemon

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"

	"ccsync/internal/cloudsync"
)

// versionNotice is the message the service publishes when a workspace's
// reference version moves.
type versionNotice struct {
	RepoName  string `json:"repo"`
	Workspace string `json:"workspace"`
	Version   int64  `json:"version"`
}

// Subscriber maintains a websocket subscription to workspace change
// notifications, reconnecting with backoff when the connection drops.
type Subscriber struct {
	url       string
	repoName  string
	workspace string
	notices   chan int64
	logger    cloudsync.Logger
}

// NewSubscriber creates a subscriber for the given workspace. Notices carry
// the announced reference version.
func NewSubscriber(url, repoName, workspace string, logger cloudsync.Logger) *Subscriber {
	if logger == nil {
		logger = cloudsync.NewNopLogger()
	}
	return &Subscriber{
		url:       url,
		repoName:  repoName,
		workspace: workspace,
		notices:   make(chan int64, 1),
		logger:    logger,
	}
}

// Notices returns the channel of announced reference versions.
func (s *Subscriber) Notices() <-chan int64 {
	return s.notices
}

// Run connects and reads notices until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if err := s.connectAndRead(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("notification subscription lost", "error", err, "retry_in", backoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (s *Subscriber) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	s.logger.Debug("subscribed to workspace notifications", "url", s.url)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var notice versionNotice
		if err := json.Unmarshal(data, &notice); err != nil {
			s.logger.Warn("malformed notification", "error", err)
			continue
		}
		if notice.RepoName != s.repoName || notice.Workspace != s.workspace {
			continue
		}
		select {
		case s.notices <- notice.Version:
		default:
			// A pending notice already guarantees a sync; drop the extra.
		}
	}
}
