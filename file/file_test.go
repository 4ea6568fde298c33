package file

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	bencode "github.com/jackpal/bencode-go"
)

func encode(t *testing.T, v interface{}) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, v); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestParse(t *testing.T) {
	h0 := sha1.Sum([]byte("piece zero"))
	h1 := sha1.Sum([]byte("piece one"))
	info := map[string]interface{}{
		"name":         "debian.iso",
		"piece length": 16384,
		"length":       20000,
		"pieces":       string(h0[:]) + string(h1[:]),
		"private":      1, // not modeled, still part of the info hash
	}
	raw := encode(t, map[string]interface{}{
		"announce":      "udp://tracker.example:6969/announce",
		"announce-list": [][]string{{"udp://tracker.example:6969/announce", "http://backup.example/announce"}, {"http://third.example/announce"}},
		"info":          info,
	})

	tf, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if want := sha1.Sum(encode(t, info)); tf.InfoHash != want {
		t.Errorf("info hash = %x, want %x", tf.InfoHash, want)
	}
	if tf.Name != "debian.iso" || tf.Length != 20000 || tf.PieceLength != 16384 {
		t.Errorf("unexpected metainfo %+v", tf)
	}
	if len(tf.PieceHashes) != 2 || tf.PieceHashes[0] != h0 || tf.PieceHashes[1] != h1 {
		t.Errorf("piece hashes = %x", tf.PieceHashes)
	}
	if len(tf.AnnounceList) != 3 || tf.AnnounceList[2] != "http://third.example/announce" {
		t.Errorf("announce list = %v", tf.AnnounceList)
	}
}

func TestParseRejects(t *testing.T) {
	h := sha1.Sum(nil)
	tests := map[string]struct {
		info map[string]interface{}
		want error
	}{
		"multi file": {map[string]interface{}{
			"name": "dir", "piece length": 16384, "pieces": string(h[:]),
			"files": []map[string]interface{}{{"length": 10, "path": []string{"a"}}},
		}, ErrMultiFile},
		"ragged pieces": {map[string]interface{}{
			"name": "x", "piece length": 16384, "length": 10, "pieces": "short",
		}, ErrMetainfo},
		"hash count": {map[string]interface{}{
			"name": "x", "piece length": 16384, "length": 40000, "pieces": string(h[:]),
		}, ErrMetainfo},
		"zero piece length": {map[string]interface{}{
			"name": "x", "piece length": 0, "length": 10, "pieces": string(h[:]),
		}, ErrMetainfo},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			raw := encode(t, map[string]interface{}{"announce": "http://t/announce", "info": tc.info})
			if _, err := Parse(raw); !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}

	if _, err := Parse([]byte("not bencode")); !errors.Is(err, ErrMetainfo) {
		t.Errorf("garbage: got %v", err)
	}
}

func TestOpen(t *testing.T) {
	h := sha1.Sum([]byte("x"))
	path := filepath.Join(t.TempDir(), "a.torrent")
	raw := encode(t, map[string]interface{}{
		"announce": "http://t/announce",
		"info":     map[string]interface{}{"name": "a", "piece length": 4, "length": 1, "pieces": string(h[:])},
	})
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatal(err)
	}
	tf, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if tf.Announce != "http://t/announce" {
		t.Errorf("announce = %q", tf.Announce)
	}
	if _, err := Open(path + ".missing"); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestWriterWritesPieces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out")
	w, err := Create(path, 10, 4)
	if err != nil {
		t.Fatal(err)
	}

	// out of order, last piece given more bytes than remain in the file
	for _, p := range []struct {
		index int
		data  string
	}{{2, "ijXX"}, {0, "abcd"}, {1, "efgh"}} {
		if err := w.WritePiece(p.index, []byte(p.data)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.WritePiece(3, []byte("zz")); !errors.Is(err, ErrWrite) {
		t.Errorf("piece past the end: got %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.WritePiece(0, []byte("abcd")); !errors.Is(err, ErrWrite) {
		t.Errorf("write after close: got %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "abcdefghij" {
		t.Errorf("file content = %q", got)
	}
}

func TestWriterVerifyResumes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out")
	content := []byte(strings.Repeat("a", 4) + strings.Repeat("b", 4) + "cc")
	if err := os.WriteFile(path, append(content[:8:8], 'x', 'x'), 0644); err != nil {
		t.Fatal(err)
	}

	w, err := Create(path, 10, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	hashes := [][20]byte{sha1.Sum(content[0:4]), sha1.Sum(content[4:8]), sha1.Sum(content[8:10])}
	verified, err := w.Verify(hashes)
	if err != nil {
		t.Fatal(err)
	}
	if len(verified) != 2 || verified[0] != 0 || verified[1] != 1 {
		t.Errorf("verified = %v, want [0 1]", verified)
	}
}

func TestCreateSizesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out")
	if err := os.WriteFile(path, []byte("longer than the torrent"), 0644); err != nil {
		t.Fatal(err)
	}
	w, err := Create(path, 5, 4)
	if err != nil {
		t.Fatal(err)
	}
	w.Close()

	st, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if st.Size() != 5 {
		t.Errorf("size = %d, want 5", st.Size())
	}
	if _, err := Create(filepath.Join(path, "not-a-dir"), 5, 4); !errors.Is(err, ErrWrite) {
		t.Errorf("unwritable path: got %v", err)
	}
}
