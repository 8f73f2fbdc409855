package metamosaic

// This package defines common methods and operations for assembling unorganized collections of geospatial assets (raster mosaics, vector layers, tiles, geotagged files) in to a normalized catalog of "metamosaics": datacubes grouping all assets that share a discretized spatial cell and temporal bucket. Common operations include: Scanning buckets for raw assets, ingesting assets, relating assets to metamosaics, labeling records and rebuilding catalog indexes.
