package errors_test

import (
	"errors"
	"fmt"
	"testing"

	berr "github.com/next-trace/scg-parking-bus/contract/errors"
)

func TestCodeAndVars(t *testing.T) {
	e := berr.Code(berr.ErrCodePublishFailed)
	if e.Error() != berr.ErrCodePublishFailed {
		t.Fatalf("unexpected error string: %s", e.Error())
	}

	// exported variables must carry their codes
	tests := []struct {
		err  error
		code string
	}{
		{berr.ErrHandlerExists, berr.ErrCodeHandlerExists},
		{berr.ErrHandlerNotFound, berr.ErrCodeHandlerNotFound},
		{berr.ErrPublishFailed, berr.ErrCodePublishFailed},
		{berr.ErrSerializationFailed, berr.ErrCodeSerializationFailed},
		{berr.ErrAlreadySettled, berr.ErrCodeAlreadySettled},
		{berr.ErrTransport, berr.ErrCodeTransport},
		{berr.ErrTimeout, berr.ErrCodeTimeout},
		{berr.ErrValidation, berr.ErrCodeValidation},
		{berr.ErrDataStore, berr.ErrCodeDataStore},
	}

	for _, tc := range tests {
		if !errors.Is(tc.err, berr.Code(tc.code)) {
			t.Fatalf("expected %s to be %s", tc.err, tc.code)
		}
	}
}

func TestWrappedTaxonomy(t *testing.T) {
	err := fmt.Errorf("credit store: %w", errors.Join(berr.ErrDataStore, errors.New("conn reset")))
	if !errors.Is(err, berr.ErrDataStore) {
		t.Fatalf("want ErrDataStore through wrapping, got %v", err)
	}

	if errors.Is(err, berr.ErrValidation) {
		t.Fatalf("datastore error must not match validation")
	}
}
