package whatsapp

// Webhook type of an inbound notification.
const (
	WebhookIncomingMessage = "incomingMessageReceived"
)

// Message types inside a notification body.
const (
	TypeTextMessage         = "textMessage"
	TypeExtendedTextMessage = "extendedTextMessage"
	TypeImageMessage        = "imageMessage"
	TypeDocumentMessage     = "documentMessage"
)

// Notification is one long-poll result: a receipt id used to acknowledge
// it, plus the webhook body.
type Notification struct {
	ReceiptID int64 `json:"receiptId"`
	Body      Body  `json:"body"`
}

// Body is the webhook payload of a notification.
type Body struct {
	TypeWebhook string      `json:"typeWebhook"`
	Timestamp   int64       `json:"timestamp"`
	IDMessage   string      `json:"idMessage"`
	SenderData  SenderData  `json:"senderData"`
	MessageData MessageData `json:"messageData"`
}

// SenderData identifies the chat and sender of an inbound message.
type SenderData struct {
	ChatID     string `json:"chatId"`
	Sender     string `json:"sender"`
	SenderName string `json:"senderName"`
}

// MessageData is the typed payload of an inbound message.
type MessageData struct {
	TypeMessage             string                   `json:"typeMessage"`
	TextMessageData         *TextMessageData         `json:"textMessageData,omitempty"`
	ExtendedTextMessageData *ExtendedTextMessageData `json:"extendedTextMessageData,omitempty"`
	FileMessageData         *FileMessageData         `json:"fileMessageData,omitempty"`
}

// TextMessageData carries a plain text message.
type TextMessageData struct {
	TextMessage string `json:"textMessage"`
}

// ExtendedTextMessageData carries a text message with link preview or
// formatting.
type ExtendedTextMessageData struct {
	Text string `json:"text"`
}

// FileMessageData carries an attachment reference.
type FileMessageData struct {
	DownloadURL string `json:"downloadUrl"`
	Caption     string `json:"caption"`
	FileName    string `json:"fileName"`
	MimeType    string `json:"mimeType"`
}

// Text returns the message text regardless of which typed payload carries
// it; for file messages this is the caption.
func (m MessageData) Text() string {
	switch {
	case m.TextMessageData != nil:
		return m.TextMessageData.TextMessage
	case m.ExtendedTextMessageData != nil:
		return m.ExtendedTextMessageData.Text
	case m.FileMessageData != nil:
		return m.FileMessageData.Caption
	}
	return ""
}

// sendMessageRequest is the outbound send payload.
type sendMessageRequest struct {
	ChatID  string `json:"chatId"`
	Message string `json:"message"`
}

// sendMessageResponse is the outbound send result.
type sendMessageResponse struct {
	IDMessage string `json:"idMessage"`
}
