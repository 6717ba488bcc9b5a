package rate

import (
	"encoding/base64"
	"strconv"
)

// Dimension builds the record prefix for value under name. The value is
// base64url encoded so it never contains the ':' that ends the prefix;
// otherwise "ip:2001:db8::1:" would also match records of 2001:db8::1:5.
func Dimension(name, value string) string {
	return name + ":" + base64.RawURLEncoding.EncodeToString([]byte(value)) + ":"
}

// UserDimension keys failures by account id.
func UserDimension(id int64) string {
	return "userId:" + strconv.FormatInt(id, 10) + ":"
}

// SSAIDDimension keys failures by client session id. Empty input yields "".
func SSAIDDimension(ssaid string) string {
	if ssaid == "" {
		return ""
	}
	return Dimension("ssaid", ssaid)
}

// IPDimension keys failures by client address. Empty input yields "".
func IPDimension(ip string) string {
	if ip == "" {
		return ""
	}
	return Dimension("ip", ip)
}

// PasswordDimensions returns the account, client session and address
// dimensions used for password failures. userID 0 is skipped.
func PasswordDimensions(userID int64, ssaid, ip string) []string {
	dims := make([]string, 0, 3)
	if userID != 0 {
		dims = append(dims, UserDimension(userID))
	}
	if d := SSAIDDimension(ssaid); d != "" {
		dims = append(dims, d)
	}
	if d := IPDimension(ip); d != "" {
		dims = append(dims, d)
	}
	return dims
}
