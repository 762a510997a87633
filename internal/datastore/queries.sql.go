package datastore

const (
	insertMapping = `
	INSERT INTO mappings (id, shortcode, original_url, created_at, expires_at)
	VALUES (@id, @shortcode, @original_url, @created_at, @expires_at)
	ON CONFLICT (shortcode) DO NOTHING
	RETURNING id, shortcode, original_url, created_at, expires_at
	`

	getMapping = `
	SELECT id, shortcode, original_url, created_at, expires_at FROM mappings
	WHERE shortcode = $1
	`

	insertClick = `
	INSERT INTO clicks (shortcode, clicked_at, referrer, location)
	SELECT shortcode, @clicked_at, @referrer, @location FROM mappings
	WHERE shortcode = @shortcode
	`

	listClicks = `
	SELECT clicked_at, referrer, location FROM clicks
	WHERE shortcode = $1
	ORDER BY clicked_at, id
	`

	deleteExpired = `
	DELETE FROM mappings
	WHERE expires_at <= $1
	`
)
