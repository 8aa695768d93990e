package gmail

// ProfileResponse is the response from GET /users/me/profile.
type ProfileResponse struct {
	EmailAddress  string `json:"emailAddress"`
	MessagesTotal int    `json:"messagesTotal"`
	ThreadsTotal  int    `json:"threadsTotal"`
	HistoryID     string `json:"historyId"`
}

// MessageRef is a message reference in list and history responses.
type MessageRef struct {
	ID       string   `json:"id"`
	ThreadID string   `json:"threadId"`
	LabelIDs []string `json:"labelIds,omitempty"`
}

// ListMessagesResponse is the response from GET /users/me/messages.
type ListMessagesResponse struct {
	Messages           []MessageRef `json:"messages"`
	NextPageToken      string       `json:"nextPageToken"`
	ResultSizeEstimate int          `json:"resultSizeEstimate"`
}

// Message is the response from GET /users/me/messages/{id}.
type Message struct {
	ID       string   `json:"id"`
	ThreadID string   `json:"threadId"`
	LabelIDs []string `json:"labelIds"`
	Snippet  string   `json:"snippet"`

	// HistoryID and InternalDate are decimal strings.
	HistoryID    string `json:"historyId"`
	InternalDate string `json:"internalDate"`

	SizeEstimate int64 `json:"sizeEstimate"`

	// Raw is the base64url-encoded RFC 5322 message (format=raw only).
	Raw string `json:"raw,omitempty"`
}

// MessageChange wraps the message in messagesAdded / messagesDeleted.
type MessageChange struct {
	Message MessageRef `json:"message"`
}

// LabelChange is an entry of labelsAdded / labelsRemoved.
type LabelChange struct {
	Message  MessageRef `json:"message"`
	LabelIDs []string   `json:"labelIds"`
}

// History is a single change log record.
type History struct {
	ID              string          `json:"id"`
	Messages        []MessageRef    `json:"messages"`
	MessagesAdded   []MessageChange `json:"messagesAdded"`
	MessagesDeleted []MessageChange `json:"messagesDeleted"`
	LabelsAdded     []LabelChange   `json:"labelsAdded"`
	LabelsRemoved   []LabelChange   `json:"labelsRemoved"`
}

// ListHistoryResponse is the response from GET /users/me/history.
type ListHistoryResponse struct {
	History       []History `json:"history"`
	NextPageToken string    `json:"nextPageToken"`
	HistoryID     string    `json:"historyId"`
}

// Label is an entry of GET /users/me/labels.
type Label struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// ListLabelsResponse is the response from GET /users/me/labels.
type ListLabelsResponse struct {
	Labels []Label `json:"labels"`
}

// ErrorResponse is the error envelope of the Gmail API.
type ErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}
