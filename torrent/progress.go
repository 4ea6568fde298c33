package torrent

import (
	"strconv"

	"github.com/gosuri/uiprogress"
)

func (t *Torrent) downloadProgress() *uiprogress.Bar {
	total := t.pieces.NumPieces()
	uiprogress.Start()
	bar := uiprogress.AddBar(total)
	// pieces found on disk
	bar.Set(t.pieces.Stats().Verified)
	bar.AppendCompleted()
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		return "pieces: " + strconv.Itoa(t.pieces.Stats().Verified) + "/" + strconv.Itoa(total)
	})
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		return "peers: " + strconv.Itoa(t.ActivePeers())
	})
	bar.AppendElapsed()
	return bar
}
