package handlers

import (
	"strconv"

	"github.com/feedloop/authorizer/internal/models"
	"github.com/gin-gonic/gin"
)

const defaultPageSize = 50

// queryInt reads an integer query parameter, returning def when it is absent
func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, models.NewInvalidArgument("invalid "+name+" parameter", "")
	}
	return v, nil
}

// pageRequest reads page, size, sort and direction from the query string
func pageRequest(c *gin.Context) (models.PageRequest, error) {
	page, err := queryInt(c, "page", 0)
	if err != nil {
		return models.PageRequest{}, err
	}
	size, err := queryInt(c, "size", defaultPageSize)
	if err != nil {
		return models.PageRequest{}, err
	}
	return models.PageRequest{
		Page:      page,
		Size:      size,
		SortField: c.Query("sort"),
		Direction: c.Query("direction"),
	}, nil
}

// bindError answers a request whose body could not be bound
func bindError(c *gin.Context, err error) {
	c.JSON(400, gin.H{"error": err.Error()})
}

// fail hands err to the error middleware with origin set on invalid arguments
func fail(c *gin.Context, err error, origin string) {
	if invalid, ok := models.TagInvalidArgument(err, origin); ok {
		err = invalid
	}
	_ = c.Error(err)
}
