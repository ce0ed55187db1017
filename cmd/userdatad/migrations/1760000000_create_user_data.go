// ABOUTME: Migration creating the user_data collection that backs GET/PATCH/POST /user_data.
// ABOUTME: The unique user_id index is what lets merge-duplicate inserts stay one row per user.
package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"

	"github.com/solgood44/podcastlibrary-sub000/internal/userdata"
)

func init() {
	m.Register(CreateUserData, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId(userdata.Table)
		if err != nil {
			return nil //nolint:nilerr // Collection doesn't exist; rollback is a no-op.
		}
		return app.Delete(collection)
	})
}

// CreateUserData creates the user_data collection if it is missing.
func CreateUserData(app core.App) error {
	return userdata.EnsureCollection(app)
}
