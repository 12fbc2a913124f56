package geoip

import (
	"net"

	"github.com/oschwald/geoip2-golang"
)

// Database is an offline GeoLite2 country reader used when every HTTP
// provider fails.
type Database struct {
	reader *geoip2.Reader
}

func Open(path string) (*Database, error) {
	r, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return &Database{reader: r}, nil
}

// Country returns the ISO code for ip, or false when the database has no answer.
func (d *Database) Country(ipStr string) (string, bool) {
	if d == nil || d.reader == nil {
		return "", false
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return "", false
	}

	record, err := d.reader.Country(ip)
	if err != nil || record.Country.IsoCode == "" {
		return "", false
	}

	return record.Country.IsoCode, true
}

func (d *Database) Close() {
	if d == nil || d.reader == nil {
		return
	}
	d.reader.Close()
}
