package cache

import "fmt"

func profileKey(userID int64) string {
	return fmt.Sprintf("users:%d:info", userID)
}

func rolesKey(userID int64) string {
	return fmt.Sprintf("users:%d:roles", userID)
}

func providerKey(userID int64) string {
	return fmt.Sprintf("users:%d:oauth", userID)
}

func issuedTokenKey(userID int64) string {
	return fmt.Sprintf("users:%d:token", userID)
}

func sessionKey(key string) string {
	return fmt.Sprintf("sessions:%s", key)
}

func revokedKey(jti string) string {
	return fmt.Sprintf("revoked:%s", jti)
}
