package session

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/drosthq/drost/internal/providers"
)

const (
	// maxImageBytes rejects inputs too large to decode safely.
	maxImageBytes = 10 * 1024 * 1024
	// maxImageDim is the longest edge after downscaling.
	maxImageDim = 1568
	// mediaDirName sits next to the session records inside the store dir.
	mediaDirName = ".drost-sessions-media"
)

// InputImage is one inbound image attached to a turn, already decoded from
// its transport encoding.
type InputImage struct {
	Name     string
	MimeType string
	Data     []byte
}

// normalizeImages downscales and re-encodes inbound images for the provider
// wire and persists each as a JPEG ref next to the session records.
// Oversized or undecodable inputs are skipped with a warning; a failed ref
// write only drops the ref, the image still reaches the provider.
func (m *Manager) normalizeImages(sessionID string, images []InputImage) ([]providers.ImageContent, []string) {
	if len(images) == 0 {
		return nil, nil
	}

	var wire []providers.ImageContent
	var refs []string
	for _, img := range images {
		if len(img.Data) == 0 {
			slog.Warn("session.image.skipped", "session", sessionID, "name", img.Name, "reason", "empty")
			continue
		}
		if len(img.Data) > maxImageBytes {
			slog.Warn("session.image.skipped", "session", sessionID, "name", img.Name,
				"reason", "too large", "bytes", len(img.Data))
			continue
		}

		decoded, err := imaging.Decode(bytes.NewReader(img.Data))
		if err != nil {
			slog.Warn("session.image.skipped", "session", sessionID, "name", img.Name,
				"reason", "undecodable", "error", err)
			continue
		}

		bounds := decoded.Bounds()
		if bounds.Dx() > maxImageDim || bounds.Dy() > maxImageDim {
			decoded = imaging.Fit(decoded, maxImageDim, maxImageDim, imaging.Lanczos)
		}

		var buf bytes.Buffer
		if err := imaging.Encode(&buf, decoded, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
			slog.Warn("session.image.skipped", "session", sessionID, "name", img.Name,
				"reason", "encode failed", "error", err)
			continue
		}

		wire = append(wire, providers.ImageContent{
			MimeType: "image/jpeg",
			Data:     base64.StdEncoding.EncodeToString(buf.Bytes()),
		})
		if ref, err := m.writeMediaRef(buf.Bytes()); err != nil {
			slog.Warn("session.image.ref_failed", "session", sessionID, "name", img.Name, "error", err)
		} else {
			refs = append(refs, ref)
		}
	}
	return wire, refs
}

func (m *Manager) writeMediaRef(data []byte) (string, error) {
	dir := filepath.Join(m.store.Dir(), mediaDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	path := filepath.Join(dir, uuid.NewString()+".jpg")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write media file: %w", err)
	}
	return path, nil
}
