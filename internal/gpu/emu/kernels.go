package emu

import (
	"fmt"
	"sync/atomic"

	"github.com/tos-network/apow-miner/internal/adaptivepow"
)

const (
	resultSlots = 16
	headerWords = adaptivepow.HeaderWords
)

var kernelTable = map[string]kernelImpl{
	"generate_cache":     generateCache,
	"generate_dag":       generateDAG,
	"adaptivepow_search": search,
}

func bufferArg(args []any, i int) (*Buffer, error) {
	if i >= len(args) {
		return nil, fmt.Errorf("%w: missing argument %d", ErrInvalidLaunch, i)
	}
	b, ok := args[i].(*Buffer)
	if !ok || b == nil {
		return nil, fmt.Errorf("%w: argument %d is %T, want buffer", ErrInvalidLaunch, i, args[i])
	}
	if b.freed {
		return nil, fmt.Errorf("%w: argument %d: %w", ErrInvalidLaunch, i, ErrBufferFreed)
	}
	return b, nil
}

func scalarArg(args []any, i int) (uint64, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("%w: missing argument %d", ErrInvalidLaunch, i)
	}
	switch v := args[i].(type) {
	case uint64:
		return v, nil
	case uint32:
		return uint64(v), nil
	case int:
		return uint64(v), nil
	default:
		return 0, fmt.Errorf("%w: argument %d is %T, want scalar", ErrInvalidLaunch, i, args[i])
	}
}

func needWords(b *Buffer, words uint64, what string) error {
	if uint64(len(b.words)) < words {
		return fmt.Errorf("%w: %s holds %d words, need %d", ErrInvalidLaunch, what, len(b.words), words)
	}
	return nil
}

// generate_cache(seed, cache, cacheItems)
func generateCache(args []any) (thread, error) {
	seedBuf, err := bufferArg(args, 0)
	if err != nil {
		return nil, err
	}
	cache, err := bufferArg(args, 1)
	if err != nil {
		return nil, err
	}
	items, err := scalarArg(args, 2)
	if err != nil {
		return nil, err
	}
	if err := needWords(seedBuf, 8, "seed"); err != nil {
		return nil, err
	}
	if err := needWords(cache, items*adaptivepow.WordsPerItem, "cache"); err != nil {
		return nil, err
	}

	var seed [8]uint32
	copy(seed[:], seedBuf.words)
	words := cache.words

	return func(gid uint64) {
		if gid >= items {
			return
		}
		it := adaptivepow.CacheItem(seed, gid)
		copy(words[gid*adaptivepow.WordsPerItem:], it[:])
	}, nil
}

// generate_dag(cache, cacheItems, dag, dagItems[, baseOffset])
func generateDAG(args []any) (thread, error) {
	cache, err := bufferArg(args, 0)
	if err != nil {
		return nil, err
	}
	cacheItems, err := scalarArg(args, 1)
	if err != nil {
		return nil, err
	}
	dag, err := bufferArg(args, 2)
	if err != nil {
		return nil, err
	}
	dagItems, err := scalarArg(args, 3)
	if err != nil {
		return nil, err
	}

	var base uint64
	if len(args) > 4 {
		if base, err = scalarArg(args, 4); err != nil {
			return nil, err
		}
	}

	if cacheItems == 0 {
		return nil, fmt.Errorf("%w: empty cache", ErrInvalidLaunch)
	}
	if err := needWords(cache, cacheItems*adaptivepow.WordsPerItem, "cache"); err != nil {
		return nil, err
	}
	if err := needWords(dag, dagItems*adaptivepow.WordsPerItem, "dataset"); err != nil {
		return nil, err
	}

	cw, dw := cache.words, dag.words
	return func(gid uint64) {
		i := base + gid
		if i >= dagItems {
			return
		}
		it := adaptivepow.DatasetItem(cw, cacheItems, i)
		copy(dw[i*adaptivepow.WordsPerItem:], it[:])
	}, nil
}

// adaptivepow_search(dag, startNonce, header, target, dagItems, results, count)
func search(args []any) (thread, error) {
	dag, err := bufferArg(args, 0)
	if err != nil {
		return nil, err
	}
	start, err := scalarArg(args, 1)
	if err != nil {
		return nil, err
	}
	headerBuf, err := bufferArg(args, 2)
	if err != nil {
		return nil, err
	}
	target, err := scalarArg(args, 3)
	if err != nil {
		return nil, err
	}
	dagItems, err := scalarArg(args, 4)
	if err != nil {
		return nil, err
	}
	results, err := bufferArg(args, 5)
	if err != nil {
		return nil, err
	}
	count, err := bufferArg(args, 6)
	if err != nil {
		return nil, err
	}

	if dagItems == 0 {
		return nil, fmt.Errorf("%w: empty dataset", ErrInvalidLaunch)
	}
	if err := needWords(dag, dagItems*adaptivepow.WordsPerItem, "dataset"); err != nil {
		return nil, err
	}
	if err := needWords(headerBuf, headerWords, "header"); err != nil {
		return nil, err
	}
	if err := needWords(results, resultSlots*2, "results"); err != nil {
		return nil, err
	}
	if err := needWords(count, 1, "result count"); err != nil {
		return nil, err
	}

	var header [headerWords]uint32
	copy(header[:], headerBuf.words)

	dw, rw, cw := dag.words, results.words, count.words
	lookup := func(i uint64) adaptivepow.Item {
		return adaptivepow.LoadItem(dw, i)
	}

	return func(gid uint64) {
		nonce := start + gid
		d := adaptivepow.Hash(header, nonce, lookup, dagItems)
		if !adaptivepow.Meets(d, target) {
			return
		}
		slot := atomic.AddUint32(&cw[0], 1) - 1
		if slot < resultSlots {
			rw[2*slot] = uint32(nonce)
			rw[2*slot+1] = uint32(nonce >> 32)
		}
	}, nil
}
