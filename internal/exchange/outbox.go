package exchange

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/semaphore"
)

// outboxConcurrency bounds parallel partner sends during an outbox
// sweep.
const outboxConcurrency = 4

// SendOutbox sweeps the partner outbox directories and sends every
// pending file, removing each source file after a send attempt has
// been recorded. The layout is
// <data>/messages/<partner>/outbox/<organization>/<file>. Individual
// send failures do not stop the sweep; the first error is returned
// after all files were attempted.
func (m *Manager) SendOutbox(ctx context.Context) error {
	root := filepath.Join(m.cfg.DataDir, "messages")
	partners, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading outbox root: %w", err)
	}

	sem := semaphore.NewWeighted(outboxConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	record := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	for _, partnerEntry := range partners {
		if !partnerEntry.IsDir() {
			continue
		}
		partnerID := partnerEntry.Name()

		outbox := filepath.Join(root, partnerID, "outbox")
		orgs, err := os.ReadDir(outbox)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			record(fmt.Errorf("reading outbox for partner %q: %w", partnerID, err))
			continue
		}

		for _, orgEntry := range orgs {
			if !orgEntry.IsDir() {
				continue
			}
			orgID := orgEntry.Name()

			files, err := os.ReadDir(filepath.Join(outbox, orgID))
			if err != nil {
				record(fmt.Errorf("reading outbox for %s/%s: %w", partnerID, orgID, err))
				continue
			}

			for _, file := range files {
				if file.IsDir() {
					continue
				}
				path := filepath.Join(outbox, orgID, file.Name())

				if err := sem.Acquire(ctx, 1); err != nil {
					record(err)
					wg.Wait()
					return firstErr
				}
				wg.Add(1)
				go func(orgID, partnerID, path string) {
					defer wg.Done()
					defer sem.Release(1)

					m.logger.Info("sending outbox file",
						"organization", orgID,
						"partner", partnerID,
						"file", filepath.Base(path),
					)
					if _, err := m.SendFile(ctx, orgID, partnerID, path, true); err != nil {
						m.logger.Error("outbox send failed",
							"organization", orgID,
							"partner", partnerID,
							"file", filepath.Base(path),
							"error", err,
						)
						record(err)
					}
				}(orgID, partnerID, path)
			}
		}
	}

	wg.Wait()
	return firstErr
}
