package emporia

import (
	"fmt"
	"time"
)

// Scale and energy unit values accepted by the usage endpoints
const (
	ScaleDay          = "DAY"
	UnitKilowattHours = "KilowattHours"
)

// Device is a node in the customer device tree. Sub-devices carry the
// channels; top-level devices carry the location metadata.
type Device struct {
	DeviceGid          int64               `json:"deviceGid"`
	LocationProperties *LocationProperties `json:"locationProperties,omitempty"`
	Devices            []Device            `json:"devices,omitempty"`
	Channels           []Channel           `json:"channels,omitempty"`
}

// LocationProperties holds per-device location metadata
type LocationProperties struct {
	DisplayName string `json:"displayName"`
}

// Channel is a meterable sub-component of a device
type Channel struct {
	DeviceGid  int64  `json:"deviceGid"`
	ChannelNum string `json:"channelNum"`
	Name       string `json:"name"`
}

// ChannelKey identifies a channel within the session index
func (c Channel) ChannelKey() string {
	return fmt.Sprintf("%d_%s", c.DeviceGid, c.ChannelNum)
}

type devicesResponse struct {
	Devices []Device `json:"devices"`
}

// DeviceListUsagesResponse is the nested usage graph returned by
// getDeviceListUsages. Channel usages may nest sub-devices one level deep.
type DeviceListUsagesResponse struct {
	DeviceListUsages DeviceListUsages `json:"deviceListUsages"`
}

// DeviceListUsages holds the per-device usage entries
type DeviceListUsages struct {
	Devices []DeviceUsage `json:"devices"`
}

// DeviceUsage holds one device's channel usages
type DeviceUsage struct {
	DeviceGid     int64          `json:"deviceGid"`
	ChannelUsages []ChannelUsage `json:"channelUsages"`
}

// ChannelUsage is one channel's reading, possibly carrying nested devices
type ChannelUsage struct {
	DeviceGid     int64         `json:"deviceGid"`
	ChannelNum    string        `json:"channelNum"`
	Name          string        `json:"name"`
	Usage         float64       `json:"usage"`
	Percentage    float64       `json:"percentage"`
	NestedDevices []DeviceUsage `json:"nestedDevices,omitempty"`
}

// UsageRecord is a flattened usage reading, stamped with the instant,
// scale and unit of the fetch that produced it
type UsageRecord struct {
	Instant    time.Time
	Scale      string
	DeviceGid  int64
	ChannelNum string
	Name       string
	Usage      float64
	Unit       string
	Percentage float64
}

// APIError is a non-200 response from the Emporia API, surfaced after the
// retry policy has run its course
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("emporia api returned status %d: %s", e.StatusCode, e.Body)
}
