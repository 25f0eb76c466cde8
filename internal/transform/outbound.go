package transform

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"ghlbridge/internal/adapters/ghl"
	"ghlbridge/internal/adapters/greenapi"
	"ghlbridge/internal/errs"
)

var unsafeFileNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// ToGreenAPIMessage turns a HighLevel SMS provider webhook into a GREEN-API
// send. The first attachment wins over text; the text then becomes its caption.
func ToGreenAPIMessage(w *ghl.Webhook, now time.Time) (*greenapi.OutboundMessage, error) {
	if w.Type != ghl.MessageTypeSMS {
		return nil, errs.Transform("unsupported HighLevel webhook type %q", w.Type)
	}
	if w.Phone == "" {
		return nil, errs.Transform("HighLevel webhook %s has no phone", w.MessageID)
	}
	chatID := greenapi.ChatID(w.Phone)

	if len(w.Attachments) > 0 {
		return &greenapi.OutboundMessage{
			Kind:    greenapi.OutboundURLFile,
			ChatID:  chatID,
			File:    &greenapi.FileRef{URL: w.Attachments[0], FileName: FileName(now, w.MessageID)},
			Caption: w.Message,
		}, nil
	}
	if w.Message != "" {
		return &greenapi.OutboundMessage{Kind: greenapi.OutboundText, ChatID: chatID, Message: w.Message}, nil
	}
	return nil, errs.Transform("HighLevel SMS webhook for %s has no message content or attachments", w.Phone)
}

// FileName builds the name of a file forwarded by URL.
func FileName(now time.Time, messageID string) string {
	if messageID == "" {
		messageID = "unknown"
	}
	return unsafeFileNameChars.ReplaceAllString(fmt.Sprintf("%d_%s", now.UnixMilli(), messageID), "_")
}

// NormalizePhone prefixes a bare number with "+". It strips a chat suffix.
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(greenapi.PhoneFromChatID(phone))
	if phone == "" || strings.HasPrefix(phone, "+") {
		return phone
	}
	return "+" + phone
}
