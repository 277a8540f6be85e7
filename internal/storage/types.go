package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// DBSession is a saved login for one server.
type DBSession struct {
	BaseURL string `msgpack:"baseUrl"`
	UserID  int64  `msgpack:"userId"`
	Token   string `msgpack:"token"`
	SavedAt int64  `msgpack:"savedAt"`
}

func (s *DBSession) Key() []byte {
	return []byte(s.BaseURL)
}

func (s *DBSession) MarshalBinary() (data []byte, err error) {
	type alias DBSession
	return msgpack.Marshal((*alias)(s))
}

func (s *DBSession) UnmarshalBinary(data []byte) error {
	type alias DBSession
	return msgpack.Unmarshal(data, (*alias)(s))
}

// DBOutboxMessage is a message whose send failed and that is kept for a
// later resend.
type DBOutboxMessage struct {
	TransientID int64  `msgpack:"transientId"`
	SenderID    int64  `msgpack:"senderId"`
	ReceiverID  int64  `msgpack:"receiverId"`
	Body        string `msgpack:"body"`
	Kind        string `msgpack:"kind"`
	CreatedAt   int64  `msgpack:"createdAt"`
}

func (m *DBOutboxMessage) Key() []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(m.TransientID))
	return key
}

func (m *DBOutboxMessage) MarshalBinary() (data []byte, err error) {
	type alias DBOutboxMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBOutboxMessage) UnmarshalBinary(data []byte) error {
	type alias DBOutboxMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}
