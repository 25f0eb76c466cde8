package greenapi

import (
	"strings"
	"time"

	"ghlbridge/internal/models"
)

// Webhook types the bridge understands.
const (
	TypeIncomingMessage = "incomingMessageReceived"
	TypeStateChanged    = "stateInstanceChanged"
	TypeIncomingCall    = "incomingCall"
)

// Webhook is the GREEN-API notification envelope. Only the fields used by the
// bridge are decoded; the variant is selected by TypeWebhook.
type Webhook struct {
	TypeWebhook   string       `json:"typeWebhook"`
	InstanceData  InstanceData `json:"instanceData"`
	Timestamp     int64        `json:"timestamp"`
	IDMessage     string       `json:"idMessage,omitempty"`
	SenderData    *SenderData  `json:"senderData,omitempty"`
	MessageData   *MessageData `json:"messageData,omitempty"`
	StateInstance string       `json:"stateInstance,omitempty"`
	From          string       `json:"from,omitempty"`
	Status        string       `json:"status,omitempty"`
}

// Time converts the epoch-seconds timestamp.
func (w *Webhook) Time() time.Time {
	return time.Unix(w.Timestamp, 0).UTC()
}

type InstanceData struct {
	IDInstance   models.InstanceID `json:"idInstance"`
	Wid          string            `json:"wid"`
	TypeInstance string            `json:"typeInstance,omitempty"`
}

type SenderData struct {
	ChatID            string `json:"chatId"`
	ChatName          string `json:"chatName,omitempty"`
	Sender            string `json:"sender"`
	SenderName        string `json:"senderName,omitempty"`
	SenderContactName string `json:"senderContactName,omitempty"`
}

// IsGroup reports whether the message came from a group chat.
func (s *SenderData) IsGroup() bool {
	return s != nil && strings.HasSuffix(s.ChatID, "@g.us")
}

type MessageData struct {
	TypeMessage             string                   `json:"typeMessage"`
	TextMessageData         *TextMessageData         `json:"textMessageData,omitempty"`
	ExtendedTextMessageData *ExtendedTextMessageData `json:"extendedTextMessageData,omitempty"`
	FileMessageData         *FileMessageData         `json:"fileMessageData,omitempty"`
	LocationMessageData     *LocationMessageData     `json:"locationMessageData,omitempty"`
	ContactMessageData      *ContactMessageData      `json:"contactMessageData,omitempty"`
	ContactsArray           *ContactsArrayData       `json:"messageData,omitempty"`
	PollMessageData         *PollMessageData         `json:"pollMessageData,omitempty"`
	EditedMessageData       *EditedMessageData       `json:"editedMessageData,omitempty"`
	DeletedMessageData      *DeletedMessageData      `json:"deletedMessageData,omitempty"`
	ButtonsMessage          *ButtonsMessage          `json:"buttonsMessage,omitempty"`
	ListMessage             *ListMessage             `json:"listMessage,omitempty"`
	TemplateMessage         *TemplateMessage         `json:"templateMessage,omitempty"`
	GroupInviteMessageData  *GroupInviteMessageData  `json:"groupInviteMessageData,omitempty"`
}

type TextMessageData struct {
	TextMessage string `json:"textMessage"`
}

type ExtendedTextMessageData struct {
	Text        string `json:"text"`
	Description string `json:"description,omitempty"`
	Title       string `json:"title,omitempty"`
	StanzaID    string `json:"stanzaId,omitempty"`
	Participant string `json:"participant,omitempty"`
}

type FileMessageData struct {
	DownloadURL string `json:"downloadUrl"`
	Caption     string `json:"caption,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

type LocationMessageData struct {
	NameLocation string  `json:"nameLocation,omitempty"`
	Address      string  `json:"address,omitempty"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
}

type ContactMessageData struct {
	DisplayName string `json:"displayName"`
	VCard       string `json:"vcard"`
}

type ContactsArrayData struct {
	Contacts []ContactMessageData `json:"contacts"`
}

type PollOption struct {
	OptionName string `json:"optionName"`
}

type PollVote struct {
	OptionName   string   `json:"optionName"`
	OptionVoters []string `json:"optionVoters"`
}

type PollMessageData struct {
	StanzaID        string       `json:"stanzaId,omitempty"`
	Name            string       `json:"name"`
	Options         []PollOption `json:"options,omitempty"`
	MultipleAnswers bool         `json:"multipleAnswers,omitempty"`
	Votes           []PollVote   `json:"votes,omitempty"`
}

type EditedMessageData struct {
	TextMessage *string `json:"textMessage,omitempty"`
	Caption     *string `json:"caption,omitempty"`
	StanzaID    string  `json:"stanzaId"`
}

type DeletedMessageData struct {
	StanzaID string `json:"stanzaId"`
}

type MessageButton struct {
	ButtonID   string `json:"buttonId"`
	ButtonText string `json:"buttonText"`
}

type ButtonsMessage struct {
	ContentText string          `json:"contentText"`
	Footer      string          `json:"footer,omitempty"`
	Buttons     []MessageButton `json:"buttons"`
}

type ListRow struct {
	Title       string `json:"title"`
	RowID       string `json:"rowId,omitempty"`
	Description string `json:"description,omitempty"`
}

type ListSection struct {
	Title string    `json:"title"`
	Rows  []ListRow `json:"rows"`
}

type ListMessage struct {
	ContentText string        `json:"contentText"`
	Title       string        `json:"title,omitempty"`
	Footer      string        `json:"footer,omitempty"`
	ButtonText  string        `json:"buttonText,omitempty"`
	Sections    []ListSection `json:"sections"`
}

type TemplateButtonLink struct {
	DisplayText string `json:"displayText"`
	URL         string `json:"url,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	ID          string `json:"id,omitempty"`
}

type TemplateButton struct {
	Index            int                 `json:"index"`
	URLButton        *TemplateButtonLink `json:"urlButton,omitempty"`
	CallButton       *TemplateButtonLink `json:"callButton,omitempty"`
	QuickReplyButton *TemplateButtonLink `json:"quickReplyButton,omitempty"`
}

type TemplateMessage struct {
	ContentText string           `json:"contentText"`
	Footer      string           `json:"footer,omitempty"`
	Buttons     []TemplateButton `json:"buttons"`
}

type GroupInviteMessageData struct {
	GroupJid   string `json:"groupJid,omitempty"`
	InviteCode string `json:"inviteCode,omitempty"`
	GroupName  string `json:"groupName"`
	Caption    string `json:"caption,omitempty"`
}

// OutboundKind tags an OutboundMessage.
type OutboundKind string

const (
	OutboundText    OutboundKind = "text"
	OutboundURLFile OutboundKind = "url-file"
)

// FileRef is a file GREEN-API downloads from a URL.
type FileRef struct {
	URL      string `json:"url"`
	FileName string `json:"fileName"`
}

// OutboundMessage is a send instruction for GREEN-API.
type OutboundMessage struct {
	Kind    OutboundKind `json:"type"`
	ChatID  string       `json:"chatId"`
	Message string       `json:"message,omitempty"`
	File    *FileRef     `json:"file,omitempty"`
	Caption string       `json:"caption,omitempty"`
}

// SendResponse is returned by every send method.
type SendResponse struct {
	IDMessage string `json:"idMessage"`
}

// InteractiveButton is one typed button of sendInteractiveButtons.
type InteractiveButton struct {
	Type        string `json:"type"`
	ButtonID    string `json:"buttonId"`
	ButtonText  string `json:"buttonText"`
	CopyCode    string `json:"copyCode,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	URL         string `json:"url,omitempty"`
}

type InteractiveButtons struct {
	ChatID  string              `json:"chatId"`
	Header  string              `json:"header,omitempty"`
	Body    string              `json:"body"`
	Footer  string              `json:"footer,omitempty"`
	Buttons []InteractiveButton `json:"buttons"`
}

type ReplyButton struct {
	ButtonID   string `json:"buttonId"`
	ButtonText string `json:"buttonText"`
}

type ReplyButtons struct {
	ChatID  string        `json:"chatId"`
	Header  string        `json:"header,omitempty"`
	Body    string        `json:"body"`
	Footer  string        `json:"footer,omitempty"`
	Buttons []ReplyButton `json:"buttons"`
}

// WaSettings is the answer of getWaSettings.
type WaSettings struct {
	Avatar        string               `json:"avatar,omitempty"`
	Phone         string               `json:"phone,omitempty"`
	StateInstance models.InstanceState `json:"stateInstance,omitempty"`
	DeviceID      string               `json:"deviceId,omitempty"`
}

// QR answer types.
const (
	QRTypeCode          = "qrCode"
	QRTypeAlreadyLogged = "alreadyLogged"
	QRTypeError         = "error"
)

// QRResponse is the answer of the qr method.
type QRResponse struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type setSettingsResponse struct {
	SaveSettings bool `json:"saveSettings"`
}

// ChatID turns a phone number or chat identifier into a GREEN-API chat id.
// Inputs longer than 16 characters, counting any "+", are group ids.
func ChatID(phone string) string {
	if strings.Contains(phone, "@") {
		return phone
	}
	var b strings.Builder
	for _, r := range phone {
		if (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	id := b.String()
	if len(phone) > 16 {
		return id + "@g.us"
	}
	return id + "@c.us"
}

// PhoneFromChatID strips the chat suffix.
func PhoneFromChatID(chatID string) string {
	if i := strings.Index(chatID, "@"); i >= 0 {
		return chatID[:i]
	}
	return chatID
}
