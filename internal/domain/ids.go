package domain

import (
	"strconv"

	"github.com/google/uuid"
)

var correctiveActionSpace = uuid.MustParse("6f1c2a7e-4f0b-5d8e-9a43-2b7c1e5d9f60")

// CorrectiveActionID derives the corrective action key for one finding. The
// pair is length-prefixed before hashing, so no separator can make two
// different (inspection, item) pairs collide.
func CorrectiveActionID(inspectionID, itemID string) string {
	name := strconv.Itoa(len(inspectionID)) + ":" + inspectionID + itemID
	return uuid.NewSHA1(correctiveActionSpace, []byte(name)).String()
}

// NewID returns a fresh random identifier for inspections and custom items.
func NewID() string { return uuid.NewString() }
