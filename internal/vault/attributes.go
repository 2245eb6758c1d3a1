package vault

import (
	"fmt"
	"time"

	"github.com/agentworkforce/vaultsync/internal/identity"
	"github.com/agentworkforce/vaultsync/internal/index"
)

// SetAttribute publishes a key/value pair under the caller's identity.
// Attributes are author-scoped: two users can hold the same key without
// clashing, and only the author can change their own values. The value
// propagates to peers through the change log.
func (v *Vault) SetAttribute(name, value string) error {
	if err := v.checkOpen(); err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("attribute name must not be empty")
	}
	now := time.Now().Truncate(time.Millisecond)
	if _, err := v.db.Exec("SET_ATTRIBUTE", index.Args{
		"vault": v.ID, "authorId": string(v.UserID), "name": name, "value": value, "tm": now,
	}); err != nil {
		return err
	}
	if err := v.stageChange(changeAttribute, attributeChange{Name: name, Value: value, Tm: now}); err != nil {
		return err
	}
	return v.exportChanges()
}

// GetAttribute reads one attribute of an author. Unknown attributes
// fail with ErrNotFound.
func (v *Vault) GetAttribute(author identity.PublicID, name string) (string, error) {
	if err := v.checkOpen(); err != nil {
		return "", err
	}
	var value string
	err := v.db.QueryRow("GET_ATTRIBUTE", index.Args{
		"vault": v.ID, "authorId": string(author), "name": name,
	}, &value)
	if err == index.ErrNoRows {
		return "", fmt.Errorf("%w: no attribute %s for %s", ErrNotFound, name, author)
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// GetAttributes reads all attributes of an author.
func (v *Vault) GetAttributes(author identity.PublicID) (map[string]string, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := v.db.Query("GET_ATTRIBUTES", index.Args{"vault": v.ID, "authorId": string(author)})
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, rows.Err()
}
