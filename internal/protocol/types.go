package protocol

// SyncRequest is the handshake describing the viewed board and thread.
// Thread is zero for a board index.
type SyncRequest struct {
	Board  string `json:"board"`
	Thread uint64 `json:"thread"`
}

// OpenPost is the minimal state of an unterminated post needed to detect a stale local copy.
type OpenPost struct {
	HasImage  bool   `json:"hasImage"`
	Spoilered bool   `json:"spoilered"`
	Body      string `json:"body"`
}

// SyncData is the reconciliation snapshot answering a SyncRequest.
type SyncData struct {
	Recent       []uint64            `json:"recent"`
	Open         map[uint64]OpenPost `json:"open"`
	Deleted      []uint64            `json:"deleted"`
	Banned       []uint64            `json:"banned,omitempty"`
	DeletedImage []uint64            `json:"deletedImage,omitempty"`
}

// ReclaimRequest asks the server to hand ownership of an allocated post back to this client.
type ReclaimRequest struct {
	ID       uint64 `json:"id"`
	Password string `json:"password"`
}

// Reclaim response codes.
const (
	ReclaimAccepted = 0
	ReclaimRejected = 1
)

// InsertPostRequest allocates a live post on the server.
type InsertPostRequest struct {
	Board    string `json:"board"`
	Thread   uint64 `json:"thread"`
	Name     string `json:"name,omitempty"`
	Body     string `json:"body"`
	Password string `json:"password"`
	Captcha  string `json:"captcha,omitempty"`
	Image    string `json:"image,omitempty"`
}

// Image describes an attachment already processed by the server.
type Image struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	SHA1    string `json:"sha1"`
	Spoiler bool   `json:"spoiler,omitempty"`
}

// Post is the server representation of a single post.
type Post struct {
	ID      uint64 `json:"id"`
	OP      uint64 `json:"op"`
	Board   string `json:"board"`
	Time    int64  `json:"time"`
	Editing bool   `json:"editing"`
	Deleted bool   `json:"deleted,omitempty"`
	Banned  bool   `json:"banned,omitempty"`
	Name    string `json:"name,omitempty"`
	Body    string `json:"body"`
	Image   *Image `json:"image,omitempty"`
}

// Append adds text to the end of an open post.
type Append struct {
	ID   uint64 `json:"id"`
	Text string `json:"text"`
}

// Splice replaces Len runes starting at Start with Text.
type Splice struct {
	ID    uint64 `json:"id"`
	Start int    `json:"start"`
	Len   int    `json:"len"`
	Text  string `json:"text"`
}

// InsertImage links an uploaded file to an allocated post.
type InsertImage struct {
	ID      uint64 `json:"id"`
	Token   string `json:"token"`
	Spoiler bool   `json:"spoiler,omitempty"`
	Image   *Image `json:"image,omitempty"`
}

// Redirect forces the client to another board or thread.
type Redirect struct {
	Board  string `json:"board"`
	Thread uint64 `json:"thread"`
}

// CaptchaNotice flags whether the server requires a captcha before the next allocation.
type CaptchaNotice struct {
	Required bool `json:"required"`
}
