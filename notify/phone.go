package notify

import (
	"errors"
	"regexp"
	"strings"
)

var ErrInvalidPhone = errors.New("invalid phone number")

// Ugandan mobile numbers only: +2567XXXXXXXX.
var phonePattern = regexp.MustCompile(`^\+256(7[0-9])[0-9]{7}$`)

var phoneSeparators = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "")

// NormalizePhone accepts +2567…, 2567… and local 07… forms and returns the
// international form.
func NormalizePhone(raw string) (string, error) {
	phone := phoneSeparators.Replace(strings.TrimSpace(raw))
	switch {
	case strings.HasPrefix(phone, "0") && len(phone) == 10:
		phone = "+256" + phone[1:]
	case strings.HasPrefix(phone, "256"):
		phone = "+" + phone
	}
	if !phonePattern.MatchString(phone) {
		return "", ErrInvalidPhone
	}
	return phone, nil
}
