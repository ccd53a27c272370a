package health

import (
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
)

// RequestLogger logs each request at debug level and 5xx responses at warn
func RequestLogger(logger ectologger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			req := c.Request()
			res := c.Response()
			start := time.Now()
			if err = next(c); err != nil {
				c.Error(err)
			}

			log := logger.WithContext(req.Context()).WithFields(map[string]any{
				"method":        req.Method,
				"route":         c.Path(),
				"status":        res.Status,
				"remote_ip":     c.RealIP(),
				"user_agent":    req.UserAgent(),
				"response_time": time.Since(start),
				"response_size": res.Size,
			})
			if res.Status >= 500 {
				log.Warn("Request")
			} else {
				log.Debug("Request")
			}
			return nil
		}
	}
}
