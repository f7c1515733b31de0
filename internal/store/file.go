package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"dripbot/internal/campaign"
	"dripbot/internal/transport"
	"dripbot/pkg/logx"
)

// snapshot is the on-disk layout: the campaign list plus credentials,
// matching the flat snapshot the original UI persisted.
type snapshot struct {
	Campaigns   []campaign.Campaign   `json:"campaigns"`
	Credentials transport.Credentials `json:"credentials"`
}

type fileStore struct {
	notifier

	path string
	log  logx.Logger

	mu    sync.Mutex
	byID  map[string]campaign.Campaign
	creds transport.Credentials
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./dripbot.json"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	fs := &fileStore{
		path: path,
		log:  log,
		byID: map[string]campaign.Campaign{},
	}

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Fresh store; first mutation creates the file.
	case err != nil:
		return nil, err
	default:
		var snap snapshot
		if err := json.Unmarshal(b, &snap); err != nil {
			return nil, fmt.Errorf("corrupt snapshot %s: %w", path, err)
		}
		for _, c := range snap.Campaigns {
			fs.byID[c.ID] = c
		}
		fs.creds = snap.Credentials
		log.Info("snapshot loaded", logx.String("path", path), logx.Int("campaigns", len(snap.Campaigns)))
	}
	return fs, nil
}

func (fs *fileStore) Close() error { return nil }

func (fs *fileStore) List(ctx context.Context) ([]campaign.Campaign, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]campaign.Campaign, 0, len(fs.byID))
	for _, c := range fs.byID {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (fs *fileStore) Get(ctx context.Context, id string) (campaign.Campaign, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	c, ok := fs.byID[id]
	if !ok {
		return campaign.Campaign{}, campaign.ErrUnknownCampaign
	}
	return c.Clone(), nil
}

func (fs *fileStore) Create(ctx context.Context, c campaign.Campaign) error {
	if err := c.CheckInvariants(); err != nil {
		return err
	}
	fs.mu.Lock()
	if _, exists := fs.byID[c.ID]; exists {
		fs.mu.Unlock()
		return fmt.Errorf("campaign %s already exists", c.ID)
	}
	fs.byID[c.ID] = c.Clone()
	err := fs.persistLocked()
	fs.mu.Unlock()
	if err != nil {
		return err
	}
	fs.notify()
	return nil
}

func (fs *fileStore) Update(ctx context.Context, id string, fn func(*campaign.Campaign) error) (campaign.Campaign, error) {
	fs.mu.Lock()
	cur, ok := fs.byID[id]
	if !ok {
		fs.mu.Unlock()
		return campaign.Campaign{}, campaign.ErrUnknownCampaign
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		fs.mu.Unlock()
		return campaign.Campaign{}, err
	}
	next.ID = cur.ID
	next.TotalMessages = cur.TotalMessages // immutable once set
	if err := next.CheckInvariants(); err != nil {
		fs.mu.Unlock()
		return campaign.Campaign{}, err
	}
	next.UpdatedAt = time.Now()
	fs.byID[id] = next
	err := fs.persistLocked()
	fs.mu.Unlock()
	if err != nil {
		return campaign.Campaign{}, err
	}
	fs.notify()
	return next.Clone(), nil
}

func (fs *fileStore) Delete(ctx context.Context, id string) error {
	fs.mu.Lock()
	if _, ok := fs.byID[id]; !ok {
		fs.mu.Unlock()
		return campaign.ErrUnknownCampaign
	}
	delete(fs.byID, id)
	err := fs.persistLocked()
	fs.mu.Unlock()
	if err != nil {
		return err
	}
	fs.notify()
	return nil
}

func (fs *fileStore) Credentials(ctx context.Context) (transport.Credentials, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.creds, nil
}

func (fs *fileStore) SetCredentials(ctx context.Context, creds transport.Credentials) error {
	fs.mu.Lock()
	fs.creds = creds
	err := fs.persistLocked()
	fs.mu.Unlock()
	if err != nil {
		return err
	}
	fs.notify()
	return nil
}

// persistLocked writes the whole snapshot atomically (temp + rename) so
// a crash mid-write never leaves a truncated store behind.
func (fs *fileStore) persistLocked() error {
	snap := snapshot{
		Campaigns:   make([]campaign.Campaign, 0, len(fs.byID)),
		Credentials: fs.creds,
	}
	for _, c := range fs.byID {
		snap.Campaigns = append(snap.Campaigns, c)
	}
	sort.Slice(snap.Campaigns, func(i, j int) bool {
		return snap.Campaigns[i].CreatedAt.Before(snap.Campaigns[j].CreatedAt)
	})

	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, fs.path)
}
