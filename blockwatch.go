package blockwatch

// blockwatch keeps a dashboard's local view of a The Block node
// consistent with the remote node. The pieces compose bottom-up:
// - `NodeConnection` owns the single persistent websocket
// - `RpcClient` issues json-rpc calls over http or the connection
// - `Store` is the keyed reactive cache both write into
// - `ErrorBoundary` is the process-wide failure sink
// - `PushRouter` maps unsolicited frames into store keys

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// no-op
	default:
		err = fmt.Errorf("invalid UUID length: %d", len(src))
		return
	}
	buf, err := hex.DecodeString(strings.ToLower(src))
	if err != nil {
		return
	}
	copy(dst[:], buf)
	return
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf(
		"%x-%x-%x-%x-%x",
		src[0:4],
		src[4:6],
		src[6:8],
		src[8:10],
		src[10:16],
	)
}
