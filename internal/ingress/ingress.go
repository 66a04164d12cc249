// Package ingress implements MessageIngress: the stateless transform
// from a raw wxinstance.Message into a persisted store.Message.
package ingress

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"wxorc/internal/errs"
	"wxorc/internal/metrics"
	"wxorc/internal/store"
	"wxorc/pkg/wxinstance"
)

// Ingress normalises and persists raw messages from the remote daemon.
type Ingress struct {
	messages     *store.MessageStore
	downloadsDir string
	metrics      *metrics.Metrics
	fatal        chan<- error
}

// New constructs an Ingress writing through the given MessageStore.
func New(messages *store.MessageStore, downloadsDir string, m *metrics.Metrics, fatal chan<- error) *Ingress {
	return &Ingress{messages: messages, downloadsDir: downloadsDir, metrics: m, fatal: fatal}
}

// selfEchoMessageTypes and selfEchoMTypes mirror store's drop filter
// ahead of any Store call — these never get persisted.
var selfEchoMessageTypes = map[string]bool{"self": true, "time": true}
var selfEchoMTypes = map[string]bool{"10000": true, "10002": true}

// Accept runs the 5-step pipeline: filter, normalise, resolve attachment,
// dedup (delegated to MessageStore.Insert, which ignores a repeated
// (instance_id, message_id)), persist.
// Returns (persisted, error); persisted is false for a self-echo drop or
// a duplicate, neither of which is an error condition.
func (i *Ingress) Accept(ctx context.Context, instanceID string, raw *wxinstance.Message) (bool, error) {
	if isSelfEcho(instanceID, raw) {
		return false, nil
	}

	msg := i.normalise(instanceID, raw)

	inserted, err := i.messages.Insert(ctx, msg)
	if err != nil {
		wrapped := fmt.Errorf("persist inbound message: %w", err)
		if i.metrics != nil {
			i.metrics.RecordError("ingress", wrapped.Error())
		}
		errs.ReportFatal(i.fatal, err)
		return false, wrapped
	}
	if inserted && i.metrics != nil {
		i.metrics.IncrIngested(instanceID)
	}
	return inserted, nil
}

func isSelfEcho(instanceID string, raw *wxinstance.Message) bool {
	if strings.EqualFold(raw.Sender, "self") {
		return true
	}
	if selfEchoMessageTypes[strings.ToLower(raw.Type)] {
		return true
	}
	if selfEchoMTypes[raw.MType] {
		return true
	}
	return false
}

func (i *Ingress) normalise(instanceID string, raw *wxinstance.Message) *store.Message {
	msg := &store.Message{
		InstanceID:   instanceID,
		MessageID:    raw.MessageID,
		ChatName:     strings.TrimSpace(raw.ChatName),
		Sender:       strings.TrimSpace(raw.Sender),
		SenderRemark: strings.TrimSpace(raw.SenderRemark),
		MType:        raw.MType,
		MessageType:  raw.Type,
		Content:      raw.Content,
		CreateTime:   raw.CreateTime,
		FileSize:     raw.FileSize,

		Processed:      false,
		DeliveryStatus: store.DeliveryPending,
	}

	msg.FileType = attachmentType(raw.FileType)
	if raw.FilePath != "" {
		msg.OriginalFilePath = raw.FilePath
		msg.LocalFilePath = filepath.Join(i.downloadsDir, localFileName(raw.FilePath))
	} else {
		msg.FileType = store.FileTypeNone
	}

	return msg
}

// localFileName derives the name a downloaded attachment is saved under
// locally. Two instances (or two chats on the same instance) can hand
// us the same remote basename, so a fresh uuid is inserted between the
// stem and the extension ("stem-<uuid>.ext") to keep concurrent
// downloads from clobbering each other.
func localFileName(remotePath string) string {
	base := filepath.Base(remotePath)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return fmt.Sprintf("%s-%s%s", stem, uuid.NewString(), ext)
}

func attachmentType(raw string) string {
	switch strings.ToLower(raw) {
	case "image", "picture", "pic":
		return store.FileTypeImage
	case "file", "document":
		return store.FileTypeFile
	case "voice", "audio":
		return store.FileTypeVoice
	case "video":
		return store.FileTypeVideo
	default:
		return store.FileTypeNone
	}
}
