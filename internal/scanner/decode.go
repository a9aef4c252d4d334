package scanner

import (
	"errors"
	"fmt"
	"image"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

var decodeHints = map[gozxing.DecodeHintType]interface{}{
	gozxing.DecodeHintType_TRY_HARDER: true,
}

// Decode reads one QR code from img. Frames without a readable code return an
// error wrapping ErrNoCode.
func Decode(img image.Image) (string, error) {
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", fmt.Errorf("binarize frame: %w", err)
	}
	res, err := qrcode.NewQRCodeReader().Decode(bmp, decodeHints)
	if err != nil {
		var re gozxing.ReaderException
		if errors.As(err, &re) {
			return "", fmt.Errorf("%w: %v", ErrNoCode, err)
		}
		return "", err
	}
	return res.GetText(), nil
}
