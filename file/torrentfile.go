package file

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"os"

	bencode "github.com/jackpal/bencode-go"
)

var (
	ErrMultiFile = errors.New("file: multi-file torrents are not supported")
	ErrMetainfo  = errors.New("file: invalid metainfo")
)

// TorrentFile is the parsed metainfo of a single-file torrent.
type TorrentFile struct {
	Announce     string
	AnnounceList []string
	InfoHash     [20]byte
	PieceLength  int
	PieceHashes  [][20]byte
	Length       int
	Name         string
}

type bencodeInfo struct {
	PieceLength int               `bencode:"piece length"`
	Pieces      string            `bencode:"pieces"`
	Length      int               `bencode:"length,omitempty"`
	Name        string            `bencode:"name"`
	Files       []bencodeFileInfo `bencode:"files,omitempty"`
}

type bencodeTorrent struct {
	Announce     string      `bencode:"announce"`
	AnnounceList [][]string  `bencode:"announce-list"`
	Info         bencodeInfo `bencode:"info"`
}

type bencodeFileInfo struct {
	Length int      `bencode:"length"`
	Path   []string `bencode:"path"`
}

func Open(path string) (*TorrentFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse decodes a bencoded metainfo document.
func Parse(raw []byte) (*TorrentFile, error) {
	bto := bencodeTorrent{}
	if err := bencode.Unmarshal(bytes.NewReader(raw), &bto); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetainfo, err)
	}

	infoHash, err := hashInfo(raw)
	if err != nil {
		return nil, err
	}
	return bto.toTorrentFile(infoHash)
}

// The info hash covers the info dictionary exactly as the creator encoded
// it, including keys this package does not model, so it is re-encoded from
// the generic decoding rather than from bencodeInfo.
func hashInfo(raw []byte) ([20]byte, error) {
	doc, err := bencode.Decode(bytes.NewReader(raw))
	if err != nil {
		return [20]byte{}, fmt.Errorf("%w: %v", ErrMetainfo, err)
	}
	top, ok := doc.(map[string]interface{})
	if !ok {
		return [20]byte{}, fmt.Errorf("%w: top level is not a dictionary", ErrMetainfo)
	}
	info, ok := top["info"].(map[string]interface{})
	if !ok {
		return [20]byte{}, fmt.Errorf("%w: missing info dictionary", ErrMetainfo)
	}

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, info); err != nil {
		return [20]byte{}, err
	}
	return sha1.Sum(buf.Bytes()), nil
}

func (binfo *bencodeInfo) generatePieceHashes() ([][20]byte, error) {
	hashLength := 20
	buf := []byte(binfo.Pieces)

	if len(buf)%hashLength != 0 {
		err := fmt.Errorf("%w: pieces has length %d", ErrMetainfo, len(buf))
		return nil, err
	}

	numHashes := len(buf) / hashLength
	hashes := make([][20]byte, numHashes)

	for i := 0; i < numHashes; i++ {
		copy(hashes[i][:], buf[i*hashLength:(i+1)*hashLength])
	}
	return hashes, nil
}

func flattenAnnounceList(announceList [][]string) []string {
	var flat []string
	for _, tier := range announceList {
		flat = append(flat, tier...)
	}
	return flat
}

func (bto *bencodeTorrent) toTorrentFile(infoHash [20]byte) (*TorrentFile, error) {
	if len(bto.Info.Files) > 0 {
		return nil, fmt.Errorf("%w: %q has %d files", ErrMultiFile, bto.Info.Name, len(bto.Info.Files))
	}
	if bto.Info.PieceLength <= 0 || bto.Info.Length < 0 {
		return nil, fmt.Errorf("%w: piece length %d, length %d", ErrMetainfo, bto.Info.PieceLength, bto.Info.Length)
	}

	pieceHashes, err := bto.Info.generatePieceHashes()
	if err != nil {
		return nil, err
	}
	numPieces := (bto.Info.Length + bto.Info.PieceLength - 1) / bto.Info.PieceLength
	if len(pieceHashes) != numPieces {
		return nil, fmt.Errorf("%w: %d piece hashes for %d pieces", ErrMetainfo, len(pieceHashes), numPieces)
	}

	tf := TorrentFile{
		Announce:     bto.Announce,
		AnnounceList: flattenAnnounceList(bto.AnnounceList),
		InfoHash:     infoHash,
		PieceHashes:  pieceHashes,
		PieceLength:  bto.Info.PieceLength,
		Length:       bto.Info.Length,
		Name:         bto.Info.Name,
	}
	return &tf, nil
}
