package elasticsearch

// Index mappings for the two-index scheme. Dynamic mapping stays on so
// arbitrary searchable item properties land as their detected types; only
// the fields the query compiler targets are pinned.

const itemsMapping = `{
  "mappings": {
    "dynamic": true,
    "properties": {
      "id": {"type": "keyword"},
      "type": {"type": "keyword"},
      "collection": {"type": "keyword"},
      "geometry": {"type": "geo_shape"},
      "bbox": {"type": "float"},
      "properties": {
        "properties": {
          "datetime": {"type": "date"},
          "created": {"type": "date"},
          "updated": {"type": "date"}
        }
      },
      "assets": {"type": "object", "enabled": false},
      "links": {"type": "object", "enabled": false}
    }
  }
}`

const collectionsMapping = `{
  "mappings": {
    "dynamic": true,
    "properties": {
      "id": {"type": "keyword"},
      "type": {"type": "keyword"},
      "title": {"type": "text"},
      "description": {"type": "text"},
      "license": {"type": "keyword"},
      "extent": {"type": "object", "enabled": false},
      "links": {"type": "object", "enabled": false}
    }
  }
}`
