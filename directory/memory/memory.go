// An in-process implementation of the directory contract, used by tests and
// by examples which do not talk to a remote directory. Call counts are
// recorded per method so tests can assert on memoization behaviour.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/encchat/enchat/directory"
	"github.com/google/uuid"
	"golang.org/x/exp/maps"
)

type oneTimeKeyRow struct {
	localID uint32
	key     string
	used    bool
}

type Directory struct {
	// UserID is the authenticated user returned by Whoami.
	UserID string
	// Calls counts invocations per method name.
	Calls map[string]int

	// Optional failure hooks.
	PutOneTimeKeyHook   func(localID uint32) error
	AddChatPartyHook    func(chatID, userID string) error
	UploadHook          func(attachmentID string) error
	InsertMessageHook   func(chatID string) error

	mu          sync.Mutex
	identity    map[string]string
	prekeys     map[string]string
	prekeySigs  map[string]string
	onetime     map[string][]*oneTimeKeyRow
	chats       map[string]bool
	parties     map[string][]string
	messages    []*directory.MessageRow
	attachments map[string]*directory.FileInfo
	blobs       map[string][]byte
	nextID      int64
	now         uint64
}

var _ directory.Directory = (*Directory)(nil)

func NewDirectory(userID string) *Directory {
	return &Directory{
		UserID:      userID,
		Calls:       make(map[string]int),
		identity:    make(map[string]string),
		prekeys:     make(map[string]string),
		prekeySigs:  make(map[string]string),
		onetime:     make(map[string][]*oneTimeKeyRow),
		chats:       make(map[string]bool),
		parties:     make(map[string][]string),
		attachments: make(map[string]*directory.FileInfo),
		blobs:       make(map[string][]byte),
		nextID:      1,
		now:         1000,
	}
}

func (d *Directory) count(method string) {
	d.Calls[method]++
}

func (d *Directory) Whoami(_ context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count("Whoami")
	return d.UserID, nil
}

func (d *Directory) HasIdentityKey(_ context.Context, userID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count("HasIdentityKey")
	_, ok := d.identity[userID]
	return ok, nil
}

func (d *Directory) PutIdentityKey(_ context.Context, userID, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count("PutIdentityKey")
	d.identity[userID] = key
	return nil
}

func (d *Directory) IdentityKey(_ context.Context, userID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count("IdentityKey")
	return d.identity[userID], nil
}

func (d *Directory) HasPrekey(_ context.Context, userID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count("HasPrekey")
	_, ok := d.prekeys[userID]
	return ok, nil
}

func (d *Directory) PutPrekey(_ context.Context, userID, key, signature string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count("PutPrekey")
	d.prekeys[userID] = key
	d.prekeySigs[userID] = signature
	return nil
}

func (d *Directory) Prekey(_ context.Context, userID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count("Prekey")
	return d.prekeys[userID], nil
}

func (d *Directory) CountUnusedOneTimeKeys(_ context.Context, userID string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count("CountUnusedOneTimeKeys")
	count := 0
	for _, k := range d.onetime[userID] {
		if !k.used {
			count++
		}
	}
	return count, nil
}

func (d *Directory) LastOneTimeKeyID(_ context.Context, userID string) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count("LastOneTimeKeyID")
	var last uint32
	for _, k := range d.onetime[userID] {
		if k.localID > last {
			last = k.localID
		}
	}
	return last, nil
}

func (d *Directory) PutOneTimeKey(_ context.Context, userID string, localID uint32, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count("PutOneTimeKey")
	if d.PutOneTimeKeyHook != nil {
		if err := d.PutOneTimeKeyHook(localID); err != nil {
			return err
		}
	}
	for _, k := range d.onetime[userID] {
		if k.localID == localID {
			return directory.ErrConflict
		}
	}
	d.onetime[userID] = append(d.onetime[userID], &oneTimeKeyRow{localID: localID, key: key})
	return nil
}

func (d *Directory) ClaimOneTimeKey(_ context.Context, userID string) (*directory.ClaimedOneTimeKey, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count("ClaimOneTimeKey")
	for _, k := range d.onetime[userID] {
		if !k.used {
			k.used = true
			return &directory.ClaimedOneTimeKey{LocalID: k.localID, Key: k.key}, nil
		}
	}
	return nil, nil
}

func (d *Directory) CreateChat(_ context.Context, chatID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count("CreateChat")
	if d.chats[chatID] {
		return directory.ErrConflict
	}
	d.chats[chatID] = true
	return nil
}

func (d *Directory) DeleteChat(_ context.Context, chatID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count("DeleteChat")
	delete(d.chats, chatID)
	delete(d.parties, chatID)
	return nil
}

func (d *Directory) AddChatParty(_ context.Context, chatID, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count("AddChatParty")
	if d.AddChatPartyHook != nil {
		if err := d.AddChatPartyHook(chatID, userID); err != nil {
			return err
		}
	}
	if !d.chats[chatID] {
		return directory.ErrNotFound
	}
	for _, p := range d.parties[chatID] {
		if p == userID {
			return directory.ErrConflict
		}
	}
	d.parties[chatID] = append(d.parties[chatID], userID)
	return nil
}

func (d *Directory) Counterparty(_ context.Context, chatID, userID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count("Counterparty")
	for _, p := range d.parties[chatID] {
		if p != userID {
			return p, nil
		}
	}
	return "", nil
}

func (d *Directory) MessageCount(_ context.Context, chatID string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count("MessageCount")
	count := 0
	for _, m := range d.messages {
		if m.ChatID == chatID {
			count++
		}
	}
	return count, nil
}

func (d *Directory) MessageCountBySender(_ context.Context, chatID, senderID string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count("MessageCountBySender")
	count := 0
	for _, m := range d.messages {
		if m.ChatID == chatID && m.SenderID == senderID {
			count++
		}
	}
	return count, nil
}

func (d *Directory) FirstMessage(_ context.Context, chatID string) (*directory.MessageRow, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count("FirstMessage")
	var first *directory.MessageRow
	for _, m := range d.messages {
		if m.ChatID != chatID {
			continue
		}
		// earliest by creation time, insertion id breaks ties
		if first == nil || m.CreatedAtMs < first.CreatedAtMs || (m.CreatedAtMs == first.CreatedAtMs && m.ID < first.ID) {
			first = m
		}
	}
	if first == nil {
		return nil, directory.ErrNotFound
	}
	row := *first
	return &row, nil
}

func (d *Directory) Messages(_ context.Context, chatID string, skip, limit int) ([]*directory.MessageRow, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count("Messages")
	var rows []*directory.MessageRow
	for _, m := range d.messages {
		if m.ChatID == chatID && m.Ready {
			row := *m
			rows = append(rows, &row)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAtMs != rows[j].CreatedAtMs {
			return rows[i].CreatedAtMs > rows[j].CreatedAtMs
		}
		return rows[i].ID > rows[j].ID
	})
	if skip >= len(rows) {
		return nil, nil
	}
	rows = rows[skip:]
	if limit < len(rows) {
		rows = rows[:limit]
	}
	return rows, nil
}

func (d *Directory) InsertMessage(_ context.Context, chatID, senderID string, content []byte) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count("InsertMessage")
	if d.InsertMessageHook != nil {
		if err := d.InsertMessageHook(chatID); err != nil {
			return 0, err
		}
	}
	row := &directory.MessageRow{
		ID:          d.nextID,
		ChatID:      chatID,
		SenderID:    senderID,
		Content:     content,
		Ready:       false,
		CreatedAtMs: d.now,
	}
	d.nextID++
	d.now++
	d.messages = append(d.messages, row)
	return row.ID, nil
}

func (d *Directory) MarkMessageReady(_ context.Context, messageID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count("MarkMessageReady")
	for _, m := range d.messages {
		if m.ID == messageID {
			m.Ready = true
			return nil
		}
	}
	return directory.ErrNotFound
}

func (d *Directory) DeleteMessage(_ context.Context, messageID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count("DeleteMessage")
	for i, m := range d.messages {
		if m.ID == messageID {
			d.messages = append(d.messages[:i], d.messages[i+1:]...)
			return nil
		}
	}
	return directory.ErrNotFound
}

func (d *Directory) InsertAttachment(_ context.Context, messageID int64, info *directory.FileInfo) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count("InsertAttachment")
	id := uuid.NewString()
	d.attachments[id] = info
	return id, nil
}

func (d *Directory) AttachmentInfo(_ context.Context, attachmentID string) (*directory.FileInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count("AttachmentInfo")
	info, ok := d.attachments[attachmentID]
	if !ok {
		return nil, directory.ErrNotFound
	}
	return info, nil
}

func (d *Directory) UploadAttachment(_ context.Context, attachmentID string, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count("UploadAttachment")
	if d.UploadHook != nil {
		if err := d.UploadHook(attachmentID); err != nil {
			return err
		}
	}
	d.blobs[attachmentID] = data
	return nil
}

func (d *Directory) DownloadAttachment(_ context.Context, attachmentID string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count("DownloadAttachment")
	data, ok := d.blobs[attachmentID]
	if !ok {
		return nil, directory.ErrNotFound
	}
	return data, nil
}

// view presents the same store authenticated as a different user.
type view struct {
	*Directory
	userID string
}

func (v *view) Whoami(_ context.Context) (string, error) {
	return v.userID, nil
}

// AsUser returns a handle on the same store whose Whoami answers with the
// given user, so tests can run both parties against one directory.
func (d *Directory) AsUser(userID string) directory.Directory {
	return &view{d, userID}
}

// FirstAttachmentID returns one stored attachment id, or "" when none exist.
func (d *Directory) FirstAttachmentID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := maps.Keys(d.attachments)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

// BlobCount reports how many attachment blobs are stored.
func (d *Directory) BlobCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.blobs)
}

// MessageRowCount reports how many message rows exist for a chat, ready or
// not.
func (d *Directory) MessageRowCount(chatID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	count := 0
	for _, m := range d.messages {
		if m.ChatID == chatID {
			count++
		}
	}
	return count
}
