package generator

import "github.com/linkflow/middleware"

type UniqueID = middleware.UniqueID

// Generator hands out unique, increasing ids.
type Generator interface {
	// Gen reserves count ids and returns the half open range [start, end).
	Gen(count uint32) (UniqueID, UniqueID, error)
	GenOne() (UniqueID, error)
}
