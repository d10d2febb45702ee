package recording

import (
	"fmt"

	"gocv.io/x/gocv"
)

// meanLuminance decodes an encoded frame and returns the mean grayscale value
// (0-255). Used by the IR controller to detect darkness when the clock alone
// is inconclusive (dusk, heavy shade).
func meanLuminance(frame []byte) (float64, error) {
	mat, err := gocv.IMDecode(frame, gocv.IMReadGrayScale)
	if err != nil {
		return 0, fmt.Errorf("failed to decode frame: %w", err)
	}
	defer mat.Close()

	if mat.Empty() {
		return 0, fmt.Errorf("decoded frame is empty")
	}

	mean := mat.Mean()
	return mean.Val1, nil
}
