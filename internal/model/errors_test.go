package model

import (
	"fmt"
	"testing"

	"github.com/matryer/is"
)

type tempErr struct{}

func (tempErr) Error() string     { return "temp" }
func (tempErr) IsTemporary() bool { return true }

func TestIsTemporary(t *testing.T) {
	is := is.New(t)

	is.True(IsTemporary(tempErr{}))
	is.True(IsTemporary(fmt.Errorf("wrapped: %w", tempErr{})))
	is.True(!IsTemporary(ErrNotFound))
	is.True(!IsTemporary(nil))
}

func TestServiceErrorJSON(t *testing.T) {
	is := is.New(t)

	err := ServiceError{Message: "machine_id is empty", RequestID: "rid", Code: 422}
	is.Equal(err.Error(), `{"message":"machine_id is empty","request_id":"rid"}`)
}
