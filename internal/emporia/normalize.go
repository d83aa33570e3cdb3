package emporia

import "time"

// The provider nests sub-devices inside channel usages at most one level
// deep; the traversal makes that bound explicit rather than assuming it.
const maxNestingDepth = 1

// mainChannelName is the generic label the provider reports for a
// device's aggregate channel; it is replaced by the device display name.
const mainChannelName = "Main"

// flattenUsage converts the nested device/channel usage graph into a flat
// sequence of records, each stamped with the fetch's instant, scale and
// unit. The nested-device substructure is consumed here and never emitted.
func flattenUsage(instant time.Time, scale, unit string, resp *DeviceListUsagesResponse, names map[int64]string) []UsageRecord {
	var records []UsageRecord
	for _, device := range resp.DeviceListUsages.Devices {
		records = flattenDevice(records, device, 0, instant, scale, unit, names)
	}
	return records
}

func flattenDevice(records []UsageRecord, device DeviceUsage, depth int, instant time.Time, scale, unit string, names map[int64]string) []UsageRecord {
	for _, usage := range device.ChannelUsages {
		name := usage.Name
		if name == mainChannelName {
			if resolved, ok := names[usage.DeviceGid]; ok {
				name = resolved
			}
		}
		records = append(records, UsageRecord{
			Instant:    instant,
			Scale:      scale,
			DeviceGid:  usage.DeviceGid,
			ChannelNum: usage.ChannelNum,
			Name:       name,
			Usage:      usage.Usage,
			Unit:       unit,
			Percentage: usage.Percentage,
		})

		if depth >= maxNestingDepth {
			continue
		}
		for _, nested := range usage.NestedDevices {
			records = flattenDevice(records, nested, depth+1, instant, scale, unit, names)
		}
	}
	return records
}
