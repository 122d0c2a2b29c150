package leads

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/emersion/go-vcard"
)

// VCard encodes the lead as a vCard 4.0 contact card. A contact that
// looks like an email address is stored as EMAIL, anything else as TEL.
func VCard(l Lead) ([]byte, error) {
	card := vcard.Card{}
	card.SetValue(vcard.FieldFormattedName, l.RecruiterName)
	card.SetName(nameFrom(l.RecruiterName))
	card.SetValue(vcard.FieldOrganization, l.Company)
	card.SetValue(vcard.FieldUID, "urn:uuid:"+l.ID)

	if strings.Contains(l.Contact, "@") {
		card.SetValue(vcard.FieldEmail, l.Contact)
	} else {
		card.SetValue(vcard.FieldTelephone, l.Contact)
	}

	note := "Hiring for: " + l.Role
	if l.Notes != "" {
		note += "\n" + l.Notes
	}
	card.SetValue(vcard.FieldNote, note)
	if !l.Timestamp.IsZero() {
		card.SetValue(vcard.FieldRevision, l.Timestamp.UTC().Format("20060102T150405Z"))
	}
	vcard.ToV4(card)

	var buf bytes.Buffer
	if err := vcard.NewEncoder(&buf).Encode(card); err != nil {
		return nil, fmt.Errorf("encode vcard: %w", err)
	}
	return buf.Bytes(), nil
}

// nameFrom splits "Given Family" on the last space.
func nameFrom(full string) *vcard.Name {
	full = strings.TrimSpace(full)
	i := strings.LastIndex(full, " ")
	if i < 0 {
		return &vcard.Name{GivenName: full}
	}
	return &vcard.Name{GivenName: full[:i], FamilyName: full[i+1:]}
}
