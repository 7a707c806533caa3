package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"
)

// Metadata describes one persisted session workspace.
type Metadata struct {
	AgentName          string    `json:"agentName"`
	PersistedAt        time.Time `json:"persistedAt"`
	SDKSessionResumeID string    `json:"sdkSessionResumeId,omitempty"`
}

// Manager persists session workspaces under dataDir/sessions/<id>/ so a cold
// resume can seed a fresh sandbox from the last pause point. Persistence is
// best-effort; callers treat failure as "no snapshot".
type Manager struct {
	dataDir string
	backup  *BackupStore // optional; nil disables object-storage backup
}

func NewManager(dataDir string, backup *BackupStore) *Manager {
	return &Manager{dataDir: dataDir, backup: backup}
}

func (m *Manager) sessionDir(sessionID string) string {
	return filepath.Join(m.dataDir, "sessions", sessionID)
}

// Persist copies the sandbox workspace to the session's snapshot location and
// writes metadata. An existing snapshot is replaced only after the new copy
// completes.
func (m *Manager) Persist(ctx context.Context, sessionID, workspaceDir, agentName, sdkSessionID string) error {
	dir := m.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	tmp := filepath.Join(dir, "workspace.tmp")
	os.RemoveAll(tmp)
	if err := CopyTree(workspaceDir, tmp); err != nil {
		os.RemoveAll(tmp)
		return fmt.Errorf("failed to copy workspace: %w", err)
	}

	final := filepath.Join(dir, "workspace")
	os.RemoveAll(final)
	if err := os.Rename(tmp, final); err != nil {
		os.RemoveAll(tmp)
		return fmt.Errorf("failed to finalize snapshot: %w", err)
	}

	meta := Metadata{
		AgentName:          agentName,
		PersistedAt:        time.Now().UTC(),
		SDKSessionResumeID: sdkSessionID,
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot metadata: %w", err)
	}

	if m.backup != nil {
		// Object-storage backup is fire-and-forget; the local snapshot is
		// already durable for this node.
		go m.backupSnapshot(sessionID, final)
	}
	return nil
}

func (m *Manager) backupSnapshot(sessionID, workspaceDir string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	archivePath := filepath.Join(m.sessionDir(sessionID), "workspace.tar.zst")
	if err := Archive(workspaceDir, archivePath); err != nil {
		log.Printf("snapshot: archive failed for session %s: %v", sessionID, err)
		return
	}
	defer os.Remove(archivePath)

	key := SnapshotKey(sessionID)
	size, err := m.backup.Upload(ctx, key, archivePath)
	if err != nil {
		log.Printf("snapshot: backup upload failed for session %s: %v", sessionID, err)
		return
	}
	log.Printf("snapshot: backed up session %s (%d bytes) to %s", sessionID, size, key)
}

// SeedDir returns the snapshot workspace path and metadata for a session, or
// ok=false when no usable snapshot exists.
func (m *Manager) SeedDir(sessionID string) (string, *Metadata, bool) {
	dir := m.sessionDir(sessionID)
	workspace := filepath.Join(dir, "workspace")
	if info, err := os.Stat(workspace); err != nil || !info.IsDir() {
		return "", nil, false
	}

	meta := &Metadata{}
	data, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		return "", nil, false
	}
	if err := json.Unmarshal(data, meta); err != nil {
		return "", nil, false
	}
	return workspace, meta, true
}

// Remove deletes a session's snapshot.
func (m *Manager) Remove(sessionID string) error {
	return os.RemoveAll(m.sessionDir(sessionID))
}

// CopyTree copies a directory tree preserving file modes. Symlinks are
// recreated, not followed.
func CopyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			// Sockets, devices and pipes are not part of a workspace snapshot.
			return nil
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
