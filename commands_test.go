// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package main

import (
	"errors"
	"testing"

	"github.com/asch/vramd/internal/geometry"
)

func TestCheckBlockSize(t *testing.T) {
	page := int(geometry.PageSize())

	for _, bs := range []int{-4096, -1, 0, 256, 1000, 2 * page} {
		if _, err := checkBlockSize(bs); !errors.Is(err, geometry.ErrInvalidBlockSize) {
			t.Errorf("checkBlockSize(%d) error = %v, want ErrInvalidBlockSize", bs, err)
		}
	}

	for _, bs := range []int{geometry.MinBlockSize, page} {
		got, err := checkBlockSize(bs)
		if err != nil {
			t.Errorf("checkBlockSize(%d): %v", bs, err)
			continue
		}
		if int(got) != bs {
			t.Errorf("checkBlockSize(%d) = %d", bs, got)
		}
	}
}
