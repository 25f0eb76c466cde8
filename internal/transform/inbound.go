// Package transform maps GREEN-API webhooks to HighLevel messages and
// HighLevel provider webhooks to GREEN-API sends. It performs no I/O.
package transform

import (
	"fmt"
	"regexp"
	"strings"

	"ghlbridge/internal/adapters/ghl"
	"ghlbridge/internal/adapters/greenapi"
)

const (
	defaultStickerName = "sticker.webp"
	defaultStickerMime = "image/webp"

	unsupportedMessageText = "User sent an unsupported message type"
)

var (
	vcardWaID = regexp.MustCompile(`waid=(\d+)`)
	vcardTel  = regexp.MustCompile(`(?m)^TEL[^:]*:\s*(\+?[\d\s\-()]+)\s*$`)
)

// ToPlatformMessage renders a GREEN-API webhook as a HighLevel message.
// ContactID and LocationID are left empty for the caller to fill. An
// unsupported webhook type yields a message with Error set instead of failing.
func ToPlatformMessage(w *greenapi.Webhook) *ghl.PlatformMessage {
	switch w.TypeWebhook {
	case greenapi.TypeIncomingMessage:
		return incomingMessage(w)
	case greenapi.TypeIncomingCall:
		return &ghl.PlatformMessage{Message: CallText(w.From, w.Status), Timestamp: w.Time()}
	default:
		text := "Error: Unsupported Green API webhook type " + w.TypeWebhook
		return &ghl.PlatformMessage{Message: text, Error: text}
	}
}

// IsUnsupported reports whether m is the error marker of ToPlatformMessage.
func IsUnsupported(m *ghl.PlatformMessage) bool {
	return m.Error != ""
}

func incomingMessage(w *greenapi.Webhook) *ghl.PlatformMessage {
	out := &ghl.PlatformMessage{Timestamp: w.Time()}
	if w.MessageData == nil {
		out.Message = unsupportedMessageText
		return out
	}

	text, attachment := messageText(w.MessageData)
	if attachment != nil {
		out.Attachments = []ghl.Attachment{*attachment}
	}

	if w.SenderData.IsGroup() {
		name := w.SenderData.SenderName
		if name == "" {
			name = w.SenderData.SenderContactName
		}
		if name == "" {
			name = "Unknown"
		}
		number := strings.Split(w.SenderData.Sender, "@c.us")[0]
		text = fmt.Sprintf("%s (+%s):\n\n %s", name, number, text)
	}
	out.Message = strings.TrimSpace(text)
	return out
}

func messageText(md *greenapi.MessageData) (string, *ghl.Attachment) {
	switch md.TypeMessage {
	case "textMessage":
		if md.TextMessageData != nil {
			return md.TextMessageData.TextMessage, nil
		}
		return "", nil
	case "extendedTextMessage", "quotedMessage":
		if md.ExtendedTextMessageData != nil {
			return md.ExtendedTextMessageData.Text, nil
		}
		return "", nil
	case "imageMessage", "videoMessage", "documentMessage", "audioMessage":
		return fileText(md, "Received a "+strings.Replace(md.TypeMessage, "Message", " file", 1), "", "")
	case "stickerMessage":
		return fileText(md, "Received a sticker", defaultStickerName, defaultStickerMime)
	case "locationMessage":
		return locationText(md.LocationMessageData), nil
	case "contactMessage":
		return contactText(md.ContactMessageData), nil
	case "contactsArrayMessage":
		return contactsArrayText(md.ContactsArray), nil
	case "pollMessage":
		return pollText(md.PollMessageData), nil
	case "pollUpdateMessage":
		return pollUpdateText(md.PollMessageData), nil
	case "editedMessage":
		return editedText(md.EditedMessageData), nil
	case "deletedMessage":
		id := "unknown"
		if md.DeletedMessageData != nil && md.DeletedMessageData.StanzaID != "" {
			id = md.DeletedMessageData.StanzaID
		}
		return fmt.Sprintf("🗑️ User deleted a message (ID: %s)", id), nil
	case "buttonsMessage":
		return buttonsText(md.ButtonsMessage), nil
	case "listMessage":
		return listText(md.ListMessage), nil
	case "templateMessage":
		return templateText(md.TemplateMessage), nil
	case "groupInviteMessage":
		if inv := md.GroupInviteMessageData; inv != nil {
			return fmt.Sprintf("👥 User sent a group invitation for \"%s\".\nCaption: %s", inv.GroupName, inv.Caption), nil
		}
	}
	return unsupportedMessageText, nil
}

func fileText(md *greenapi.MessageData, fallback, defaultName, defaultMime string) (string, *ghl.Attachment) {
	f := md.FileMessageData
	if f == nil {
		return fallback, nil
	}
	text := f.Caption
	if text == "" {
		text = fallback
	}
	if f.DownloadURL == "" {
		return text, nil
	}
	att := &ghl.Attachment{URL: f.DownloadURL, FileName: f.FileName, MimeType: f.MimeType}
	if att.FileName == "" {
		att.FileName = defaultName
	}
	if att.MimeType == "" {
		att.MimeType = defaultMime
	}
	return text, att
}

func locationText(loc *greenapi.LocationMessageData) string {
	if loc == nil {
		return unsupportedMessageText
	}
	lines := []string{"User shared a location:\n"}
	if loc.NameLocation != "" {
		lines = append(lines, "📍 Location: "+loc.NameLocation)
	}
	if loc.Address != "" {
		lines = append(lines, "📮 Address: "+loc.Address)
	}
	lines = append(lines, fmt.Sprintf("📌 Map: https://www.google.com/maps?q=%v,%v", loc.Latitude, loc.Longitude))
	return strings.Join(lines, "\n")
}

func contactText(c *greenapi.ContactMessageData) string {
	if c == nil {
		return unsupportedMessageText
	}
	lines := []string{"👤 User shared a contact:"}
	if c.DisplayName != "" {
		lines = append(lines, "Name: "+c.DisplayName)
	}
	if phone := PhoneFromVCard(c.VCard); phone != "" {
		lines = append(lines, "Phone: "+phone)
	}
	return strings.Join(lines, "\n")
}

func contactsArrayText(arr *greenapi.ContactsArrayData) string {
	if arr == nil {
		return unsupportedMessageText
	}
	lines := make([]string, 0, len(arr.Contacts))
	for _, c := range arr.Contacts {
		line := "👤 " + c.DisplayName
		if phone := PhoneFromVCard(c.VCard); phone != "" {
			line += " (" + phone + ")"
		}
		lines = append(lines, line)
	}
	return "User shared multiple contacts:\n" + strings.Join(lines, "\n")
}

func pollText(p *greenapi.PollMessageData) string {
	if p == nil {
		return unsupportedMessageText
	}
	lines := []string{"📊 User sent a poll: " + p.Name, "Options:"}
	for i, opt := range p.Options {
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, opt.OptionName))
	}
	if p.MultipleAnswers {
		lines = append(lines, "(Multiple answers allowed)")
	} else {
		lines = append(lines, "(Single answer only)")
	}
	return strings.Join(lines, "\n")
}

func pollUpdateText(p *greenapi.PollMessageData) string {
	if p == nil {
		return unsupportedMessageText
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Poll \"%s\" was updated.\nVotes:\n", p.Name)
	for _, v := range p.Votes {
		fmt.Fprintf(&b, "- %s: %d vote(s)\n", v.OptionName, len(v.OptionVoters))
	}
	return b.String()
}

func editedText(e *greenapi.EditedMessageData) string {
	if e == nil {
		return unsupportedMessageText
	}
	text := ""
	switch {
	case e.TextMessage != nil:
		text = *e.TextMessage
	case e.Caption != nil:
		text = *e.Caption
	}
	return fmt.Sprintf("✏️ User edited a message to: \"%s\" (Original ID: %s)", text, e.StanzaID)
}

func footer(s string) string {
	if s == "" {
		return ""
	}
	return "\n\nFooter: " + s
}

func buttonsText(bm *greenapi.ButtonsMessage) string {
	if bm == nil {
		return unsupportedMessageText
	}
	buttons := make([]string, 0, len(bm.Buttons))
	for _, b := range bm.Buttons {
		buttons = append(buttons, "• "+b.ButtonText)
	}
	return fmt.Sprintf("🔘 User sent a message with buttons:\n%s\n\nButtons:\n%s%s", bm.ContentText, strings.Join(buttons, "\n"), footer(bm.Footer))
}

func listText(lm *greenapi.ListMessage) string {
	if lm == nil {
		return unsupportedMessageText
	}
	sections := make([]string, 0, len(lm.Sections))
	for _, s := range lm.Sections {
		rows := make([]string, 0, len(s.Rows))
		for _, r := range s.Rows {
			row := "  • " + r.Title
			if r.Description != "" {
				row += ": " + r.Description
			}
			rows = append(rows, row)
		}
		sections = append(sections, s.Title+":\n"+strings.Join(rows, "\n"))
	}
	return fmt.Sprintf("📝 User sent a list message:\n%s\n\n%s%s", lm.ContentText, strings.Join(sections, "\n\n"), footer(lm.Footer))
}

func templateText(tm *greenapi.TemplateMessage) string {
	if tm == nil {
		return unsupportedMessageText
	}
	var actions []string
	for _, b := range tm.Buttons {
		switch {
		case b.URLButton != nil:
			actions = append(actions, "• Link: "+b.URLButton.DisplayText)
		case b.CallButton != nil:
			actions = append(actions, "• Call: "+b.CallButton.DisplayText)
		case b.QuickReplyButton != nil:
			actions = append(actions, "• Reply: "+b.QuickReplyButton.DisplayText)
		}
	}
	text := "📋 User sent a template message:\n" + tm.ContentText
	if len(actions) > 0 {
		text += "\n\nActions:\n" + strings.Join(actions, "\n")
	}
	return text + footer(tm.Footer)
}

// CallText describes an incoming call event.
func CallText(from, status string) string {
	caller := strings.Replace(from, "@c.us", "", 1)
	if caller == "" {
		caller = "unknown"
	}
	switch status {
	case "offer":
		return "📞 Incoming call from " + caller
	case "pickUp":
		return "📞 Call answered from " + caller
	case "hangUp":
		return fmt.Sprintf("📞 Call ended by recipient - %s (hung up or do not disturb)", caller)
	case "missed":
		return fmt.Sprintf("📞 Missed call from %s (caller ended call)", caller)
	case "declined":
		return fmt.Sprintf("📞 Call declined from %s (timeout)", caller)
	default:
		return fmt.Sprintf("📞 Call event from %s - Status: %s", caller, status)
	}
}

// PhoneFromVCard extracts the phone number of a vCard, preferring the
// WhatsApp id when present.
func PhoneFromVCard(vcard string) string {
	if m := vcardWaID.FindStringSubmatch(vcard); m != nil {
		return m[1]
	}
	if m := vcardTel.FindStringSubmatch(vcard); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}
