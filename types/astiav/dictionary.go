// Package astiav converts avtransmux types to and from go-astiav types.
package astiav

import (
	"context"

	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/avtransmux/logger"
	"github.com/xaionaro-go/avtransmux/types"
)

func DictionaryItemsToAstiav(
	ctx context.Context,
	s types.DictionaryItems,
) *astiav.Dictionary {
	if s == nil {
		return nil
	}

	result := astiav.NewDictionary()
	setFinalizerFree(ctx, result)
	for _, opt := range s {
		logger.Tracef(ctx, "setting custom option: %s=%s", opt.Key, opt.Value)
		result.Set(opt.Key, opt.Value, 0)
	}
	return result
}

// DictionaryItemsFromAstiav lists the entries left in the dictionary.
func DictionaryItemsFromAstiav(d *astiav.Dictionary) types.DictionaryItems {
	if d == nil {
		return nil
	}
	var result types.DictionaryItems
	flags := astiav.NewDictionaryFlags(astiav.DictionaryFlagIgnoreSuffix)
	for e := d.Get("", nil, flags); e != nil; e = d.Get("", e, flags) {
		result = append(result, types.DictionaryItem{Key: e.Key(), Value: e.Value()})
	}
	return result
}

// WarnUnusedOptions reports every option libav did not consume;
// leftovers are never fatal.
func WarnUnusedOptions(
	ctx context.Context,
	d *astiav.Dictionary,
) types.DictionaryItems {
	unused := DictionaryItemsFromAstiav(d)
	for _, opt := range unused {
		logger.Warnf(ctx, "option '%s' not used", opt.Key)
	}
	return unused
}
