// sample_format.go parses libav sample format names.

package codec

import (
	"fmt"
	"strings"

	"github.com/asticode/go-astiav"
)

var sampleFormatByName = map[string]astiav.SampleFormat{
	"u8":   astiav.SampleFormatU8,
	"u8p":  astiav.SampleFormatU8P,
	"s16":  astiav.SampleFormatS16,
	"s16p": astiav.SampleFormatS16P,
	"s32":  astiav.SampleFormatS32,
	"s32p": astiav.SampleFormatS32P,
	"s64":  astiav.SampleFormatS64,
	"s64p": astiav.SampleFormatS64P,
	"flt":  astiav.SampleFormatFlt,
	"fltp": astiav.SampleFormatFltp,
	"dbl":  astiav.SampleFormatDbl,
	"dblp": astiav.SampleFormatDblp,
}

func parseSampleFormat(s string) (astiav.SampleFormat, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if f, ok := sampleFormatByName[s]; ok {
		return f, nil
	}
	return astiav.SampleFormatNone, fmt.Errorf("unsupported sample format '%s'", s)
}
