package derivation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"safetypatrol/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// check reports what is wrong with an inspection before any write happens.
// An empty building or division counts as missing.
func check(in domain.Inspection) error {
	if err := validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
		}
		return errors.New(strings.Join(fields, "; "))
	}
	seen := make(map[string]bool, len(in.Items))
	for _, it := range in.Items {
		if seen[it.ID] {
			return fmt.Errorf("duplicate item id %q", it.ID)
		}
		seen[it.ID] = true
	}
	return nil
}

// Validate reports whether in can be derived. The error matches ErrInvalidInspection.
func Validate(in domain.Inspection) error {
	if err := check(in); err != nil {
		return &Error{Kind: ErrInvalidInspection, InspectionID: in.ID, Err: err}
	}
	return nil
}
